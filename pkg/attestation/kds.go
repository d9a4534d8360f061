package attestation

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// Generation names, in probing order.
const (
	GenMilan = "Milan"
	GenGenoa = "Genoa"
	GenTurin = "Turin"

	certTypeVCEK = "vcek"
	certTypeVLEK = "vlek"

	perAttemptTimeout = 10 * time.Second
	overallBudget     = 5 * time.Minute
	retryBackoff      = 5 * time.Second
)

// generationOrder returns the candidate generations to probe. When the
// reported TCB carries an FMC component the chip is at least Turin-class
// hardware, so Turin is tried first; otherwise the legacy Genoa/Milan
// order is tried first and Turin is the fallback.
func generationOrder(tcb TCBVersion) []string {
	if tcb.HasFMC {
		return []string{GenTurin, GenGenoa, GenMilan}
	}
	return []string{GenGenoa, GenMilan, GenTurin}
}

// KDSClient fetches endorsement certificates from the AMD Key
// Distribution Service, probing generation and certificate-type
// combinations until one yields this chip's certificate.
type KDSClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
}

// NewKDSClient constructs a client against baseURL (defaults to the
// production AMD KDS endpoint when empty).
func NewKDSClient(baseURL string) *KDSClient {
	if baseURL == "" {
		baseURL = "https://kdsintf.amd.com"
	}
	return &KDSClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: perAttemptTimeout,
		},
		// AMD's KDS rate-limits aggressively; pace our own requests so a
		// burst of node launches on one host doesn't trip it.
		limiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// FetchEndorsement implements Phase 2 of the attestation pipeline: probe
// (generation, cert-type) pairs in the required order until one returns
// 200, accumulating the overall time budget across all attempts.
func (c *KDSClient) FetchEndorsement(ctx context.Context, chipID [ChipIDSize]byte, tcb TCBVersion) (der []byte, generation string, err error) {
	ctx, cancel := context.WithTimeout(ctx, overallBudget)
	defer cancel()

	chipHex := hex.EncodeToString(chipID[:])
	deadline := time.Now().Add(overallBudget)

	for _, gen := range generationOrder(tcb) {
		for _, certType := range []string{certTypeVCEK, certTypeVLEK} {
			for time.Now().Before(deadline) {
				body, status, fetchErr := c.probe(ctx, gen, certType, chipHex, tcb)
				if fetchErr == nil && status == http.StatusOK {
					normalized, parseErr := normalizeToDER(body)
					if parseErr != nil {
						return nil, "", gpterrors.Wrap("attestation", gpterrors.CategoryAttestation, "kds_parse", parseErr)
					}
					return normalized, gen, nil
				}
				if status == http.StatusNotFound {
					break // try the next cert type / generation
				}
				// 5xx or network error: back off and retry the same URL.
				select {
				case <-ctx.Done():
					return nil, "", gpterrors.Wrap("attestation", gpterrors.CategoryAttestation, "kds_fetch", ctx.Err())
				case <-time.After(retryBackoff):
				}
			}
		}
	}

	return nil, "", gpterrors.New("attestation", gpterrors.CategoryAttestation,
		fmt.Sprintf("exhausted all KDS candidates for chip %s within budget", chipHex))
}

func (c *KDSClient) probe(ctx context.Context, generation, certType, chipHex string, tcb TCBVersion) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("%s/%s/v1/%s/%s?blSPL=%d&teeSPL=%d&snpSPL=%d&ucodeSPL=%d",
		c.baseURL, certType, generation, chipHex,
		tcb.BootLoader, tcb.TEE, tcb.SNP, tcb.Microcode)
	if tcb.HasFMC {
		url += fmt.Sprintf("&fmcSPL=%d", tcb.FMC)
	}

	key := url
	v, err, _ := c.group.Do(key, func() (any, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, readErr
		}
		return struct {
			body   []byte
			status int
		}{body, resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	result := v.(struct {
		body   []byte
		status int
	})
	return result.body, result.status, nil
}

// FetchASK retrieves the AMD SEV Signing Key certificate for the given
// generation from the KDS cert-chain endpoint. Unlike the VCEK/VLEK
// endpoint, AMD serves the ASK (bundled with the root) from a single
// well-known path per generation, so no chip-ID or TCB probing is
// needed.
func (c *KDSClient) FetchASK(ctx context.Context, generation string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/vcek/v1/%s/cert_chain", c.baseURL, generation)

	v, err, _ := c.group.Do(url, func() (any, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("kds cert_chain for %s: HTTP %d", generation, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	body := v.([]byte)
	// The cert_chain endpoint returns ASK followed by ARK as concatenated
	// PEM blocks; the first block is the ASK.
	block, _ := pem.Decode(body)
	if block == nil {
		return normalizeToDER(body)
	}
	return block.Bytes, nil
}

// normalizeToDER accepts either DER or PEM-encoded certificate bytes and
// returns DER. PEM input is decoded; DER input passes through once it's
// confirmed to parse as a certificate.
func normalizeToDER(body []byte) ([]byte, error) {
	if _, err := x509.ParseCertificate(body); err == nil {
		return body, nil
	}
	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("endorsement certificate is neither valid DER nor PEM")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("decoded PEM block is not a valid certificate: %w", err)
	}
	return block.Bytes, nil
}
