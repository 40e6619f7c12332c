// Command cloudpool runs an Anthropic-compatible proxy over a pool of
// Cloud Code accounts with load balancing and failover.
package main

func main() {
	Execute()
}
