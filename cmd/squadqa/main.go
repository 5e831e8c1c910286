// Command squadqa runs the offline halves of an extractive QA pipeline:
//
//	squadqa predict  -dataset dev.json -logits eval.logits -tokenizer tokenizer.model -output-dir out/
//	squadqa evaluate -dataset dev.json -predictions out/eval_predictions.json
//
// predict builds inference features from a SQuAD JSON dataset, matches them
// against a logit dump produced by an external model runner, and writes the
// prediction artifacts. evaluate scores a predictions file against the gold
// answers with exact match and F1.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/featurestore"
	"github.com/squadqa/go-squadqa/logits"
	"github.com/squadqa/go-squadqa/metrics"
	"github.com/squadqa/go-squadqa/postprocess"
	"github.com/squadqa/go-squadqa/qa"
	"github.com/squadqa/go-squadqa/squad"
	"github.com/squadqa/go-squadqa/tokenizers/sentencepiece"
	"k8s.io/klog/v2"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(22)
	valueStyle = lipgloss.NewStyle().Bold(true)
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "predict":
		err = runPredict(os.Args[2:])
	case "evaluate":
		err = runEvaluate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "squadqa: %+v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: squadqa <predict|evaluate> [flags]")
}

func runPredict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	klog.InitFlags(fs)
	var (
		datasetPath   = fs.String("dataset", "", "SQuAD JSON dataset file")
		logitsPath    = fs.String("logits", "", "logit dump produced by the model runner")
		tokenizerPath = fs.String("tokenizer", "", "SentencePiece tokenizer.model file")
		outputDir     = fs.String("output-dir", ".", "directory for prediction artifacts")
		prefix        = fs.String("prefix", "eval", "artifact file name prefix")
		maxSeqLength  = fs.Int("max-seq-length", 384, "maximum window length in tokens")
		docStride     = fs.Int("doc-stride", 128, "token overlap between consecutive windows")
		nBestSize     = fs.Int("n-best-size", 20, "number of top candidates considered per window")
		maxAnswerLen  = fs.Int("max-answer-length", 30, "maximum answer span in tokens")
		v2            = fs.Bool("v2-with-negative", false, "enable SQuAD v2 no-answer logic")
		nullThreshold = fs.Float64("null-score-diff-threshold", 0, "threshold for selecting the null answer")
		workers       = fs.Int("workers", 4, "preprocessing worker count")
		featuresPath  = fs.String("features", "", "optional parquet file caching the preprocessed features")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *datasetPath == "" || *logitsPath == "" || *tokenizerPath == "" {
		return errors.New("predict requires -dataset, -logits and -tokenizer")
	}

	ds, err := squad.Load(*datasetPath)
	if err != nil {
		return err
	}
	examples := ds.Examples()

	tok, err := sentencepiece.NewFromFile(*tokenizerPath)
	if err != nil {
		return err
	}
	pre, err := qa.NewPreprocessor(tok, qa.ChunkerConfig{
		MaxSeqLength:   *maxSeqLength,
		DocStride:      *docStride,
		PadOnRight:     true,
		PadToMaxLength: true,
	}, *workers)
	if err != nil {
		return err
	}
	features, err := loadOrBuildFeatures(pre, examples, *featuresPath)
	if err != nil {
		return err
	}

	lf, err := logits.Open(*logitsPath)
	if err != nil {
		return err
	}
	defer lf.Close()
	if lf.NumWindows() != len(features) {
		return errors.Errorf("logit dump holds %d windows but preprocessing produced %d", lf.NumWindows(), len(features))
	}
	windowLogits := make([]postprocess.Logits, len(features))
	for i := range features {
		start, err := lf.StartLogits(i)
		if err != nil {
			return err
		}
		end, err := lf.EndLogits(i)
		if err != nil {
			return err
		}
		windowLogits[i] = postprocess.Logits{Start: start, End: end}
	}

	cfg := postprocess.Config{
		NBestSize:              *nBestSize,
		MaxAnswerLength:        *maxAnswerLen,
		Version2WithNegative:   *v2,
		NullScoreDiffThreshold: *nullThreshold,
	}
	preds, err := postprocess.ExtractAnswers(examples, features, windowLogits, cfg)
	if err != nil {
		return err
	}
	if err := postprocess.WriteArtifacts(*outputDir, *prefix, preds, *v2); err != nil {
		return err
	}

	res, err := metrics.Evaluate(toMetricRows(preds, *v2), metrics.References(examples))
	if err != nil {
		return err
	}
	printResult(res, *v2)
	return nil
}

func runEvaluate(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	klog.InitFlags(fs)
	var (
		datasetPath = fs.String("dataset", "", "SQuAD JSON dataset file")
		predsPath   = fs.String("predictions", "", "predictions JSON file (example id -> answer text)")
		v2          = fs.Bool("v2-with-negative", false, "score with the SQuAD v2 no-answer breakdown")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *datasetPath == "" || *predsPath == "" {
		return errors.New("evaluate requires -dataset and -predictions")
	}

	ds, err := squad.Load(*datasetPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*predsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read predictions %q", *predsPath)
	}
	var byID map[string]string
	if err := json.Unmarshal(data, &byID); err != nil {
		return errors.Wrapf(err, "failed to parse predictions %q", *predsPath)
	}
	preds := make([]metrics.Prediction, 0, len(byID))
	for id, text := range byID {
		preds = append(preds, metrics.Prediction{ID: id, PredictionText: text})
	}

	res, err := metrics.Evaluate(preds, metrics.References(ds.Examples()))
	if err != nil {
		return err
	}
	printResult(res, *v2)
	return nil
}

// loadOrBuildFeatures reads cached features from path when the file exists,
// and otherwise preprocesses the examples, writing the cache when path is set.
func loadOrBuildFeatures(pre *qa.Preprocessor, examples []qa.Example, path string) ([]qa.Feature, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			klog.V(1).Infof("loading cached features from %s", path)
			return featurestore.ReadEval(path)
		}
	}
	features, err := pre.EvalFeatures(examples)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := featurestore.WriteEval(path, features); err != nil {
			return nil, err
		}
	}
	return features, nil
}

func toMetricRows(preds []postprocess.Prediction, negative bool) []metrics.Prediction {
	rows := make([]metrics.Prediction, 0, len(preds))
	for _, p := range preds {
		row := metrics.Prediction{ID: p.ExampleID, PredictionText: p.Text}
		if negative {
			row.NoAnswerProbability = p.NoAnswerProbability
		}
		rows = append(rows, row)
	}
	return rows
}

func printResult(res metrics.Result, v2 bool) {
	line := func(key string, value string) {
		fmt.Println(keyStyle.Render(key) + valueStyle.Render(value))
	}
	fmt.Println(titleStyle.Render("SQuAD evaluation"))
	line("examples", fmt.Sprintf("%d", res.Total))
	line("exact_match", fmt.Sprintf("%.2f", res.ExactMatch))
	line("f1", fmt.Sprintf("%.2f", res.F1))
	if v2 {
		line("has_answer exact", fmt.Sprintf("%.2f (%d)", res.HasAnswerExact, res.HasAnswerTotal))
		line("has_answer f1", fmt.Sprintf("%.2f", res.HasAnswerF1))
		line("no_answer exact", fmt.Sprintf("%.2f (%d)", res.NoAnswerExact, res.NoAnswerTotal))
		line("no_answer f1", fmt.Sprintf("%.2f", res.NoAnswerF1))
	}
}
