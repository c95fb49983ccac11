package main

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// printPairingQR renders wsURL as an ANSI-art QR code to stdout, the
// same provisioning flow a mobile Sideboard client uses to pick up a
// remote websocket endpoint without hand-typing it.
func printPairingQR(wsURL string) error {
	qr, err := qrcode.New(wsURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}
	fmt.Println(qr.ToSmallString(false))
	fmt.Println(wsURL)
	return nil
}
