// Command trustctl is a CLI for the trust server's key, attestation,
// remediation and job APIs.
package main

func main() {
	Execute()
}
