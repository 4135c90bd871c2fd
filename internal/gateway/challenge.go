package gateway

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/tachi-protocol/tachi/internal/license"
)

// Request headers of the payment protocol.
const (
	// HeaderPaymentTx carries the settlement transaction hash on a retried
	// request.
	HeaderPaymentTx = "X-Payment-Tx"

	// HeaderPublisher identifies the publisher whose license governs the
	// requested resource.
	HeaderPublisher = "X-Publisher"
)

// Challenge is the machine-readable 402 body. Field names are part of the
// wire protocol consumed by crawler SDKs.
type Challenge struct {
	PriceMinor int64  `json:"priceMinor"`
	PayTo      string `json:"payTo"`
	LicenseID  string `json:"licenseId"`
	Chain      string `json:"chain"`
	Token      string `json:"token"`

	// Error distinguishes "no proof supplied" from "proof rejected".
	Error string `json:"error,omitempty"`
}

// newChallenge builds the 402 body for a license on the given network.
func newChallenge(lic *license.License, chainName string, token common.Address, reason string) Challenge {
	return Challenge{
		PriceMinor: lic.PriceMinor,
		PayTo:      lic.PayTo.Hex(),
		LicenseID:  lic.ID.String(),
		Chain:      chainName,
		Token:      token.Hex(),
		Error:      reason,
	}
}
