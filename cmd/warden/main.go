// Warden - multi-cloud security posture scan engine
package main

func main() {
	Execute()
}
