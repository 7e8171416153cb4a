// ABOUTME: Version and identity strings for the server and client
// ABOUTME: Reported in hello messages and the mDNS TXT record
package version

const (
	Version      = "0.1.0"
	Product      = "resonated"
	Manufacturer = "Resonate Protocol"
)

// String is the product and version, e.g. "resonated/0.1.0"
func String() string {
	return Product + "/" + Version
}
