// Binary kdzflash tests a vendor flash archive's applicability against
// the running device and applies it slice by slice.
package main

import "github.com/kdzflash/kdzflash/cmd/kdzflash/cmd"

func main() {
	cmd.Execute()
}
