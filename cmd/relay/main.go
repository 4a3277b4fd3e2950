// Command relay runs goal-directed multi-agent workflows.
package main

func main() {
	Execute()
}
