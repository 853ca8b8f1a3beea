package fl

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	FormatJSONF64 = "json-f64"
	FormatCBORF64 = "cbor-f64"
)

// EncodeEnvelope packs a weight vector into the named wire format.
func EncodeEnvelope(roundID, participantID string, baseVersion int, numSamples uint64, weights []float64, bias float64, format string) (UpdateEnvelope, error) {
	payload := map[string]any{
		"w": weights,
		"b": bias,
	}

	var (
		raw []byte
		err error
	)
	switch format {
	case FormatCBORF64:
		raw, err = cbor.Marshal(payload)
	case FormatJSONF64, "":
		format = FormatJSONF64
		raw, err = json.Marshal(payload)
	default:
		return UpdateEnvelope{}, fmt.Errorf("unsupported envelope format %q", format)
	}
	if err != nil {
		return UpdateEnvelope{}, fmt.Errorf("failed to encode update payload: %w", err)
	}

	return UpdateEnvelope{
		RoundID:       roundID,
		ParticipantID: participantID,
		BaseVersion:   baseVersion,
		NumSamples:    numSamples,
		PayloadB64:    base64.StdEncoding.EncodeToString(raw),
		Format:        format,
	}, nil
}

// DecodeEnvelope unpacks a wire envelope into an Update ready for the
// aggregator.
func DecodeEnvelope(env UpdateEnvelope) (Update, error) {
	raw, err := base64.StdEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		return Update{}, fmt.Errorf("failed to decode update payload: %w", err)
	}

	params := make(map[string]any)
	switch env.Format {
	case FormatCBORF64:
		err = cbor.Unmarshal(raw, &params)
	case FormatJSONF64, "":
		err = json.Unmarshal(raw, &params)
	default:
		return Update{}, fmt.Errorf("unsupported envelope format %q", env.Format)
	}
	if err != nil {
		return Update{}, fmt.Errorf("failed to unmarshal update payload: %w", err)
	}

	if env.NumSamples > math.MaxInt {
		return Update{}, ErrOverflow
	}

	return Update{
		RoundID:       env.RoundID,
		ParticipantID: env.ParticipantID,
		BaseVersion:   env.BaseVersion,
		NumSamples:    int(env.NumSamples),
		Params:        params,
		Metrics:       env.Metrics,
		ReceivedAt:    time.Now(),
	}, nil
}
