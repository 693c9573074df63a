// Vahti - resource monitoring agent
// Discover. Measure. Report.
package main

func main() {
	Execute()
}
