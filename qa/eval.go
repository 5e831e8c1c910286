package qa

// BuildEvalFeatures turns the windows of one example into inference features:
// each window is tagged with the source example and its offsets are masked so
// that every position not tagged as context carries NotApplicable. Span
// reconstruction can then never produce an answer that dips into the question
// text or a special token.
func BuildEvalFeatures(exampleIndex int, ex Example, windows []Encoding) []Feature {
	feats := make([]Feature, 0, len(windows))
	for _, enc := range windows {
		masked := make([]CharSpan, len(enc.Offsets))
		for i, off := range enc.Offsets {
			if enc.Segments[i] == SegmentContext {
				masked[i] = off
			} else {
				masked[i] = NotApplicable
			}
		}
		feats = append(feats, Feature{
			ExampleIndex: exampleIndex,
			ExampleID:    ex.ID,
			Encoding: Encoding{
				IDs:         enc.IDs,
				Segments:    enc.Segments,
				Offsets:     masked,
				AnchorIndex: enc.AnchorIndex,
			},
		})
	}
	return feats
}
