package validate

import (
	"encoding/json"

	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

type wireClaim struct {
	Essential bool     `json:"essential"`
	Value     string   `json:"value"`
	Values    []string `json:"values"`
}

type wireClaims struct {
	IDToken  map[string]*wireClaim `json:"id_token"`
	UserInfo map[string]*wireClaim `json:"userinfo"`
}

// parseClaimsParameter decodes the OpenID Connect Core §5.5 `claims`
// request parameter. A null entry (requesting a claim with default
// behavior) and an object entry (requesting specific behavior) are both
// accepted; an empty/absent parameter yields a zero-value RequestedClaims.
func parseClaimsParameter(raw string) (storage.RequestedClaims, error) {
	if raw == "" {
		return storage.RequestedClaims{}, nil
	}
	var wire wireClaims
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return storage.RequestedClaims{}, oidcerr.New(oidcerr.InvalidRequest, "claims parameter is not valid JSON")
	}
	return storage.RequestedClaims{
		IDToken:  convertClaimSet(wire.IDToken),
		UserInfo: convertClaimSet(wire.UserInfo),
	}, nil
}

func convertClaimSet(wire map[string]*wireClaim) map[string]storage.RequestedClaim {
	if len(wire) == 0 {
		return nil
	}
	out := make(map[string]storage.RequestedClaim, len(wire))
	for name, c := range wire {
		if c == nil {
			out[name] = storage.RequestedClaim{}
			continue
		}
		out[name] = storage.RequestedClaim{Essential: c.Essential, Value: c.Value, Values: c.Values}
	}
	return out
}
