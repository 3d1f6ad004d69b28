package cmd

import (
	"fmt"
	"io"
)

const banner = `
       _   _            _       _   _ 
  __ _| |_| |_ ___  ___| |_ ___| |_| |
 / _` + "`" + ` |  _|  _/ -_)(_-<  _/ __|  _| |
 \__,_|\__|\__\___|/__/\__\___|\__|_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Device attestation development verifier - Version %s\x1b[0m\n\n", Version)
}
