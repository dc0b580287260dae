// Package version centralizes the strings this client identifies itself
// with: the BEP 10 extended-handshake "v" field, the BEP 20 peer ID prefix,
// the HTTP User-Agent sent to trackers/webseeds, and the UPnP device
// identifier used when mapping a port on the gateway.
package version

const (
	clientName    = "nimblepeer"
	clientVersion = "0.1.0"
)

var (
	// ExtendedHandshakeClientVersion fills the "v" key of the BEP 10
	// extended handshake.
	ExtendedHandshakeClientVersion = clientName + " " + clientVersion

	// Bep20Prefix is this client's 8-byte BEP 20 peer ID tag. Bump it
	// whenever wire-visible behaviour changes enough that a remote peer
	// might reasonably want to tell old and new apart.
	Bep20Prefix = "-NP0001-"

	// HttpUserAgent is the User-Agent string for tracker/webseed HTTP
	// requests. webseed.Client does not set it on its range requests.
	HttpUserAgent = clientName + "/" + clientVersion

	// UpnpId identifies this client to a UPnP/NAT-PMP gateway when
	// requesting a port mapping.
	UpnpId = clientName + " " + clientVersion
)
