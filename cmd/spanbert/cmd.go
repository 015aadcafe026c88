package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/crislerwin/tiny-spanbert/pkg/config"
	"github.com/crislerwin/tiny-spanbert/pkg/dataset"
	"github.com/crislerwin/tiny-spanbert/pkg/model"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
	"github.com/crislerwin/tiny-spanbert/pkg/tokenizer"
	"github.com/crislerwin/tiny-spanbert/pkg/train"
)

// NewCLI builds the spanbert command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "spanbert",
		Short:        "Span boundary masked language model pretraining",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Pretrain a model on pre-masked JSON lines shards",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	trainCmd.Flags().String("config", "", "Training config JSON file")
	trainCmd.Flags().String("model-config", "", "Model config JSON file (ignored with --init)")
	trainCmd.Flags().String("init", "", "Resume from a weights file")
	trainCmd.Flags().String("train-data", "", "Comma-separated training shards (overrides config)")
	trainCmd.Flags().String("test-data", "", "Comma-separated test shards (overrides config)")
	trainCmd.Flags().String("logdir", "", "Directory for checkpoints and plots (overrides config)")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Score a weights file on a test set",
		Args:  cobra.NoArgs,
		RunE:  EvalHandler,
	}
	evalCmd.Flags().String("weights", "", "Weights file")
	evalCmd.Flags().String("data", "", "Comma-separated test shards")
	evalCmd.Flags().Int("batch-size", 32, "Examples per batch")
	evalCmd.Flags().Int("max-test-num", 0, "Maximum number of test examples, 0 for all")
	_ = evalCmd.MarkFlagRequired("weights")
	_ = evalCmd.MarkFlagRequired("data")

	predictCmd := &cobra.Command{
		Use:   "predict TEXT",
		Short: "Fill the [MASK] tokens of a sentence",
		Args:  cobra.MinimumNArgs(1),
		RunE:  PredictHandler,
	}
	predictCmd.Flags().String("weights", "", "Weights file")
	_ = predictCmd.MarkFlagRequired("weights")

	rootCmd.AddCommand(trainCmd, evalCmd, predictCmd)
	return rootCmd
}

// TrainHandler runs the training loop.
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultTrainConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadTrainConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if s, _ := cmd.Flags().GetString("train-data"); s != "" {
		cfg.TrainDataPath = s
	}
	if s, _ := cmd.Flags().GetString("test-data"); s != "" {
		cfg.TestDataPath = s
	}
	if s, _ := cmd.Flags().GetString("logdir"); s != "" {
		cfg.LogDir = s
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid train config: %w", err)
	}

	w, err := initWeights(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	trainSet, err := dataset.Load(ctx, cfg.Shards())
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}
	var testSet *dataset.Dataset
	if shards := cfg.TestShards(); len(shards) > 0 {
		if testSet, err = dataset.Load(ctx, shards); err != nil {
			return fmt.Errorf("failed to load test data: %w", err)
		}
	}

	trainer, err := train.NewTrainer(cfg, model.NewSpanBert(w), trainSet, testSet)
	if err != nil {
		return err
	}
	return trainer.MainLoop(ctx)
}

func initWeights(cmd *cobra.Command) (*model.Weights, error) {
	if path, _ := cmd.Flags().GetString("init"); path != "" {
		slog.Info("resuming from weights", "path", path)
		return model.LoadFromJSON(path)
	}

	modelCfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("model-config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		modelCfg = loaded
	}
	return model.NewRandomWeights(modelCfg)
}

// EvalHandler prints the mean loss and accuracy of a weights file on a test
// set.
func EvalHandler(cmd *cobra.Command, args []string) error {
	weightsPath, _ := cmd.Flags().GetString("weights")
	dataPath, _ := cmd.Flags().GetString("data")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxTestNum, _ := cmd.Flags().GetInt("max-test-num")

	w, err := model.LoadFromJSON(weightsPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	testSet, err := dataset.Load(ctx, strings.Split(dataPath, ","))
	if err != nil {
		return fmt.Errorf("failed to load test data: %w", err)
	}
	testSet.Limit(maxTestNum)

	res, err := train.Evaluate(ctx, model.NewSpanBert(w), testSet, batchSize)
	if err != nil {
		return err
	}

	renderTable(cmd.OutOrStdout(), []string{"EXAMPLES", "BATCHES", "LOSS", "MLM", "SPAN", "ACCURACY"}, [][]string{{
		strconv.Itoa(testSet.Len()),
		strconv.Itoa(res.Batches),
		formatFloat(res.Loss),
		formatFloat(res.MLM),
		formatFloat(res.Span),
		formatFloat(res.Accuracy),
	}})
	return nil
}

// PredictHandler fills the [MASK] tokens of the text given as arguments
// with both prediction heads.
func PredictHandler(cmd *cobra.Command, args []string) error {
	weightsPath, _ := cmd.Flags().GetString("weights")

	w, err := model.LoadFromJSON(weightsPath)
	if err != nil {
		return err
	}
	tok := tokenizer.NewTokenizer(w.Config.Vocab)
	if err := tok.Validate(); err != nil {
		return fmt.Errorf("weights file vocabulary: %w", err)
	}

	inputs, spans, err := predictInputs(tok, strings.Join(args, " "))
	if err != nil {
		return err
	}

	mlm, span, err := model.NewSpanBert(w).Predict(inputs)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(spans.Masked))
	for i, pos := range spans.Masked {
		mlmWord, err := tok.Decode([]int{mlm[0][i]})
		if err != nil {
			return err
		}
		spanWord, err := tok.Decode([]int{span[0][i]})
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			strconv.Itoa(pos),
			fmt.Sprintf("%d-%d", spans.Left[i], spans.Right[i]),
			mlmWord,
			spanWord,
		})
	}
	renderTable(cmd.OutOrStdout(), []string{"POSITION", "SPAN", "MLM", "BOUNDARY"}, rows)
	return nil
}

// predictInputs encodes text as a batch of one with its masked spans.
func predictInputs(tok *tokenizer.Tokenizer, text string) ([][][]int, *tokenizer.Spans, error) {
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, nil, err
	}
	spans, err := tok.MaskSpans(ids)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([][][]int, 4)
	inputs[objective.InputSource] = [][]int{ids}
	inputs[objective.InputMasked] = [][]int{spans.Masked}
	inputs[objective.InputSpanLeft] = [][]int{spans.Left}
	inputs[objective.InputSpanRight] = [][]int{spans.Right}
	return inputs, spans, nil
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
