package aircloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const whoPath = "iam/family-account/v2/groups"

// Family is one entry of the account's group listing.
type Family struct {
	FamilyID ID `json:"familyId"`
}

// LoadFamilyIDs returns the family identifiers of the account in the order
// the vendor lists them.
func (c *Client) LoadFamilyIDs(ctx context.Context) ([]ID, error) {
	if c.IsClosed() {
		return nil, ErrSessionClosed
	}

	if err := c.tokens.EnsureFresh(ctx, false); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, c.endpoints.API+whoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("load families: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read families: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aircloud api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var families []Family
	if err := json.Unmarshal(body, &families); err != nil {
		return nil, fmt.Errorf("decode families: %w", err)
	}

	ids := make([]ID, 0, len(families))
	for _, family := range families {
		ids = append(ids, family.FamilyID)
	}

	c.logger.Debug("Loaded AirCloud families", zap.Int("count", len(ids)))
	return ids, nil
}
