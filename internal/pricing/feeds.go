package pricing

import "encoding/json"

// decodeModelsDevFeed parses the models.dev aggregate catalog shape:
// {"<provider>": {"models": {"<model_id>": {"cost": {...}}}}}.
func decodeModelsDevFeed(body []byte) (map[string]ModelPrice, error) {
	var raw map[string]struct {
		Models map[string]struct {
			Cost struct {
				Input      float64 `json:"input"`
				Output     float64 `json:"output"`
				CacheRead  float64 `json:"cache_read"`
				CacheWrite float64 `json:"cache_write"`
			} `json:"cost"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]ModelPrice)
	for provider, group := range raw {
		for modelID, m := range group.Models {
			out[modelID] = ModelPrice{
				Model:             modelID,
				Provider:          provider,
				InputPerMTok:      m.Cost.Input,
				OutputPerMTok:     m.Cost.Output,
				CacheReadPerMTok:  m.Cost.CacheRead,
				CacheWritePerMTok: m.Cost.CacheWrite,
			}
		}
	}
	return out, nil
}

// decodeNanoGPTFeed parses the NanoGPT pricing endpoint: a flat list
// of {model, pricing: {prompt, completion}} entries, USD per token
// rather than per million.
func decodeNanoGPTFeed(body []byte) (map[string]ModelPrice, error) {
	var raw []struct {
		Model   string `json:"model"`
		Pricing struct {
			Prompt     float64 `json:"prompt"`
			Completion float64 `json:"completion"`
		} `json:"pricing"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	const perTokenToPerMillion = 1_000_000.0
	out := make(map[string]ModelPrice, len(raw))
	for _, entry := range raw {
		if entry.Model == "" {
			continue
		}
		out[entry.Model] = ModelPrice{
			Model:         entry.Model,
			Provider:      "nanogpt",
			InputPerMTok:  entry.Pricing.Prompt * perTokenToPerMillion,
			OutputPerMTok: entry.Pricing.Completion * perTokenToPerMillion,
		}
	}
	return out, nil
}
