// Public domain.

package main

import "github.com/iact-tools/bkgmatch/internal/bkprog"

func main() {
	bkprog.Main(bkprog.Bkgmatch())
}
