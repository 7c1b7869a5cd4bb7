// derive_key.go prints the BIP84 addresses derived from a mnemonic file.
// Usage: go run scripts/derive_key.go <mnemonicfile> [count]
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/capsulebtc/capsuled/internal/wallet"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_key <mnemonicfile> [count]")
		os.Exit(1)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	count := 5
	if len(os.Args) > 2 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
			count = n
		}
	}

	d, err := wallet.NewDeriver(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zpub, err := d.AccountZpub(0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fingerprint, err := d.MasterFingerprint()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("zpub=%s\n", zpub)
	fmt.Printf("fingerprint=%s\n", fingerprint)

	for i := 0; i < count; i++ {
		addr, err := d.Address(0, wallet.ChangeExternal, uint32(i))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("m/84'/0'/0'/0/%d %s\n", i, addr)
	}
}
