package payment

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CashuMintClient is a MintClient backed by a real NUT-08 (HTLC) capable
// Cashu mint's HTTP API. spec.md §1 calls the concrete wallet
// implementation out of scope for the Engine itself, but cmd/ridecored
// still needs one real collaborator to run against; this is the
// minimal subset of NUT-03/NUT-05/NUT-08 the Engine's MintClient
// methods require, hand-rolled over net/http since none of the
// examples in this corpus ship a Cashu SDK.
type CashuMintClient struct {
	baseURL    string
	walletID   string
	httpClient *http.Client
}

// NewCashuMintClient constructs a client against a mint at baseURL
// (e.g. "https://mint.example.com"), scoping all wallet-balance state
// to walletID (an opaque local wallet/proof-store handle the mint
// server tracks per caller).
func NewCashuMintClient(baseURL, walletID string) *CashuMintClient {
	return &CashuMintClient{
		baseURL:    baseURL,
		walletID:   walletID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CashuMintClient) post(path string, reqBody, respBody interface{}) error {
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("payment: encode request: %w", err)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("payment: mint request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("payment: mint %s returned status %d", path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// Balance requests the mint's view of walletID's spendable proof sum.
func (c *CashuMintClient) Balance() (int64, error) {
	var out struct {
		Sats int64 `json:"sats"`
	}
	if err := c.post("/v1/wallet/"+c.walletID+"/balance", struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.Sats, nil
}

// LockEscrow asks the mint to swap walletID's proofs into a NUT-08
// HTLC-locked token: spendable either by driverWalletPubKey presenting
// preimage, or by this wallet after expiry (NUT-08's refund branch).
func (c *CashuMintClient) LockEscrow(amountSats int64, paymentHash Hash, driverWalletPubKey string, expiry time.Time) (string, error) {
	req := struct {
		WalletID    string `json:"walletId"`
		AmountSats  int64  `json:"amountSats"`
		PaymentHash string `json:"paymentHash"`
		LockPubKey  string `json:"lockPubkey"`
		RefundUnix  int64  `json:"refundUnix"`
	}{c.walletID, amountSats, hex.EncodeToString(paymentHash[:]), driverWalletPubKey, expiry.Unix()}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post("/v1/htlc/lock", req, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// RedeemEscrow presents preimage as the HTLC witness for escrowToken.
func (c *CashuMintClient) RedeemEscrow(escrowToken string, preimage Preimage) (int64, error) {
	req := struct {
		Token    string `json:"token"`
		Preimage string `json:"preimage"`
	}{escrowToken, hex.EncodeToString(preimage[:])}
	var out struct {
		AmountSats int64 `json:"amountSats"`
	}
	if err := c.post("/v1/htlc/redeem", req, &out); err != nil {
		return 0, err
	}
	return out.AmountSats, nil
}

// ReclaimExpired takes the refund branch of escrowToken's HTLC
// condition after its expiry has passed.
func (c *CashuMintClient) ReclaimExpired(escrowToken string) (int64, error) {
	req := struct {
		Token string `json:"token"`
	}{escrowToken}
	var out struct {
		AmountSats int64 `json:"amountSats"`
	}
	if err := c.post("/v1/htlc/reclaim", req, &out); err != nil {
		return 0, err
	}
	return out.AmountSats, nil
}

// RequestDepositInvoice requests a NUT-04 mint quote: a BOLT11 invoice
// that credits walletID once paid.
func (c *CashuMintClient) RequestDepositInvoice(amountSats int64) (Quote, error) {
	req := struct {
		WalletID string `json:"walletId"`
		Amount   int64  `json:"amount"`
		Unit     string `json:"unit"`
	}{c.walletID, amountSats, "sat"}
	var out struct {
		Quote   string `json:"quote"`
		Request string `json:"request"`
		Expiry  int64  `json:"expiry"`
	}
	if err := c.post("/v1/mint/quote/bolt11", req, &out); err != nil {
		return Quote{}, err
	}
	return Quote{ID: out.Quote, Bolt11: out.Request, Expiry: out.Expiry}, nil
}

// MeltToInvoice requests a NUT-05 melt quote for bolt11 and pays it
// from walletID's proofs in the same call.
func (c *CashuMintClient) MeltToInvoice(bolt11 string) (string, int64, int64, bool, error) {
	decoded, err := DecodeBolt11(bolt11)
	if err != nil {
		return "", 0, 0, false, err
	}

	req := struct {
		WalletID string `json:"walletId"`
		Request  string `json:"request"`
		Unit     string `json:"unit"`
	}{c.walletID, bolt11, "sat"}
	var quoteOut struct {
		Quote    string `json:"quote"`
		FeeSats  int64  `json:"feeReserve"`
	}
	if err := c.post("/v1/melt/quote/bolt11", req, &quoteOut); err != nil {
		return "", 0, 0, false, err
	}

	var meltOut struct {
		Paid     bool   `json:"paid"`
		Preimage string `json:"paymentPreimage"`
	}
	if err := c.post("/v1/melt/bolt11/"+quoteOut.Quote, struct{}{}, &meltOut); err != nil {
		return "", 0, quoteOut.FeeSats, true, err
	}
	amountSats := decoded.AmountMsat / 1000
	return meltOut.Preimage, amountSats, quoteOut.FeeSats, !meltOut.Paid, nil
}

// QuoteStatus polls a NUT-04 mint quote's paid state.
func (c *CashuMintClient) QuoteStatus(quoteID string) (bool, int64, error) {
	var out struct {
		Paid   bool  `json:"paid"`
		Amount int64 `json:"amount"`
	}
	if err := c.post("/v1/mint/quote/bolt11/"+quoteID, struct{}{}, &out); err != nil {
		return false, 0, err
	}
	return out.Paid, out.Amount, nil
}
