package main

import (
	"log"

	nftfid "nftlend/services/nftfid"
)

func main() {
	if err := nftfid.Main(); err != nil {
		log.Fatalf("nftfid: %v", err)
	}
}
