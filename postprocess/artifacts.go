package postprocess

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// nbestEntry is the persisted shape of one ranked candidate.
type nbestEntry struct {
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
	Score       float64 `json:"score"`
	StartLogit  float32 `json:"start_logit"`
	EndLogit    float32 `json:"end_logit"`
}

// WriteArtifacts persists the per-example predictions for offline audit:
// predictions.json (example id → answer text), nbest_predictions.json
// (example id → ranked candidates), and, in negative mode, null_odds.json
// (example id → score diff). File names get the given prefix, e.g. "eval".
//
// The content is a pure function of the predictions, so rewriting with the
// same inputs is byte-identical. Writes go through a file lock and an atomic
// rename: parallel evaluation shards reporting into the same directory do
// not interleave partial files.
func WriteArtifacts(dir, prefix string, preds []Prediction, negative bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create artifact directory %q", dir)
	}

	predictions := make(map[string]string, len(preds))
	nbest := make(map[string][]nbestEntry, len(preds))
	nullOdds := make(map[string]float64, len(preds))
	for _, p := range preds {
		predictions[p.ExampleID] = p.Text
		entries := make([]nbestEntry, 0, len(p.NBest))
		for _, c := range p.NBest {
			entries = append(entries, nbestEntry{
				Text:        c.Text,
				Probability: c.Probability,
				Score:       c.Score,
				StartLogit:  c.StartLogit,
				EndLogit:    c.EndLogit,
			})
		}
		nbest[p.ExampleID] = entries
		if negative {
			nullOdds[p.ExampleID] = p.ScoreDiff
		}
	}

	if err := writeJSONLocked(artifactPath(dir, prefix, "predictions.json"), predictions); err != nil {
		return err
	}
	if err := writeJSONLocked(artifactPath(dir, prefix, "nbest_predictions.json"), nbest); err != nil {
		return err
	}
	if negative {
		if err := writeJSONLocked(artifactPath(dir, prefix, "null_odds.json"), nullOdds); err != nil {
			return err
		}
	}
	klog.V(1).Infof("wrote prediction artifacts for %d examples to %s", len(preds), dir)
	return nil
}

func artifactPath(dir, prefix, name string) string {
	if prefix != "" {
		name = prefix + "_" + name
	}
	return filepath.Join(dir, name)
}

// writeJSONLocked marshals v and writes it to path under a file lock,
// through a temporary file moved into place atomically.
func writeJSONLocked(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %q", path)
	}
	data = append(data, '\n')

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "failed to lock %q", path)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			klog.Warningf("failed to unlock %q: %v", path, err)
		}
		if err := os.Remove(path + ".lock"); err != nil && !os.IsNotExist(err) {
			klog.Warningf("failed to remove lock file %q: %v", path+".lock", err)
		}
	}()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write temporary file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, path)
	}
	return nil
}
