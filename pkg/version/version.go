package version

// Version is the current version of the VoIP signaling server
const Version = "0.3.1"

// Product is the name advertised in User-Agent headers and SDP session names
const Product = "voip-server"

// UserAgent returns the User-Agent header value for SIP responses
func UserAgent() string {
	return Product + "/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return Product + "/" + Version
}
