package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/anomaly"
	"github.com/Alias1177/Sentinel/internal/attack"
	"github.com/Alias1177/Sentinel/internal/monitor"
	"github.com/Alias1177/Sentinel/internal/performance"
	"github.com/Alias1177/Sentinel/internal/replay"
	"github.com/Alias1177/Sentinel/models"
)

var (
	evalInput  string
	evalFormat string
	evalAttack attack.Config
	evalInject string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Measure detection quality against labelled ticks",
	Long: `Replay a CSV tick file and compare the ensemble's verdicts with ground truth.
Labels come from the file's label column and, when --inject is set, from an
attack injected into the replay. Rows without any label are skipped.

Example usage:
  sentinel evaluate --input labelled.csv
  sentinel evaluate --input ticks.csv --inject spike --step 30 --multiplier 1.15
  sentinel evaluate --input ticks.csv --inject noise --probability 0.05 --seed 3 --format=json`,
	RunE: runEvaluate,
}

func init() {
	def := attack.DefaultConfig()
	evaluateCmd.Flags().StringVar(&evalInput, "input", "", "CSV tick file (- for stdin)")
	evaluateCmd.Flags().StringVar(&evalFormat, "format", "table", "Output format: table, json")
	evaluateCmd.Flags().StringVar(&evalInject, "inject", "", "Attack to inject: spike, drift, noise, flash_crash")
	evaluateCmd.Flags().IntVar(&evalAttack.Step, "step", def.Step, "1-based tick index of the attack per instrument")
	evaluateCmd.Flags().Float64Var(&evalAttack.Probability, "probability", 0, "Per-tick attack probability (replaces --step)")
	evaluateCmd.Flags().Float64Var(&evalAttack.Multiplier, "multiplier", def.Multiplier, "Attack magnitude")
	evaluateCmd.Flags().IntVar(&evalAttack.Duration, "duration", def.Duration, "Ticks affected by drift and flash_crash")
	evaluateCmd.Flags().Int64Var(&evalAttack.Seed, "seed", def.Seed, "Seed for probabilistic attacks")
	_ = evaluateCmd.MarkFlagRequired("input")
}

// Evaluation is the output of the evaluate command
type Evaluation struct {
	Metrics     performance.Metrics              `json:"metrics"`
	Unlabelled  int                              `json:"unlabelled"`
	Rejected    int                              `json:"rejected"`
	Injected    int                              `json:"injected"`
	Instruments []models.InstrumentSummary       `json:"instruments"`
	Detectors   map[string]anomaly.EnsembleStats `json:"detectors"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	records, err := readRecords(evalInput, models.ActionHold)
	if err != nil {
		return err
	}

	var injector *attack.Injector
	if evalInject != "" {
		evalAttack.Kind = attack.Kind(strings.ToLower(evalInject))
		if evalAttack.Probability > 0 {
			evalAttack.Step = 0
		}
		injector, err = attack.NewInjector(evalAttack)
		if err != nil {
			return fmt.Errorf("invalid attack: %w", err)
		}
	}

	result, err := evaluate(*cfg, records, injector, logger)
	if err != nil {
		return err
	}

	if strings.ToLower(evalFormat) == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return writeEvaluationTable(cmd.OutOrStdout(), result)
}

// evaluate runs one pipeline per instrument over the records in order. The
// label never reaches a pipeline; it only feeds the tracker.
func evaluate(cfg config.Config, records []replay.Record, injector *attack.Injector, logger zerolog.Logger) (Evaluation, error) {
	tracker := performance.NewTracker()
	pipelines := make(map[string]*monitor.Pipeline)
	var out Evaluation

	for _, rec := range records {
		tick := rec.Observation.Tick
		label := rec.Label
		if injector != nil {
			var attacked bool
			tick, attacked = injector.Apply(tick)
			if attacked {
				out.Injected++
				label = replay.Label{Known: true, Anomaly: true}
			} else if !label.Known {
				label = replay.Label{Known: true}
			}
		}

		p, ok := pipelines[tick.InstrumentID]
		if !ok {
			var err error
			p, err = monitor.NewPipeline(tick.InstrumentID, cfg, logger)
			if err != nil {
				return Evaluation{}, err
			}
			pipelines[tick.InstrumentID] = p
		}

		enriched, err := p.Process(tick, rec.Observation.Action)
		if err != nil {
			if errors.Is(err, monitor.ErrMalformedTick) || errors.Is(err, monitor.ErrOutOfOrderTick) {
				out.Rejected++
				continue
			}
			return Evaluation{}, err
		}
		if !label.Known {
			out.Unlabelled++
			continue
		}
		tracker.ObserveTick(enriched, label.Anomaly)
	}

	out.Metrics = tracker.Metrics()
	out.Detectors = make(map[string]anomaly.EnsembleStats, len(pipelines))
	for id, p := range pipelines {
		out.Instruments = append(out.Instruments, p.Summary())
		out.Detectors[id] = p.DetectorStats()
	}
	sort.Slice(out.Instruments, func(i, j int) bool {
		return out.Instruments[i].InstrumentID < out.Instruments[j].InstrumentID
	})
	return out, nil
}

func writeEvaluationTable(w io.Writer, e Evaluation) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	m := e.Metrics
	fmt.Fprintf(tw, "TP\tFP\tTN\tFN\tSKIPPED\tUNLABELLED\tREJECTED\tINJECTED\n")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		m.TruePositives, m.FalsePositives, m.TrueNegatives, m.FalseNegatives,
		m.Skipped, e.Unlabelled, e.Rejected, e.Injected)
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "ACCURACY\tPRECISION\tRECALL\tF1\tSPECIFICITY\n")
	fmt.Fprintf(tw, "%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n", m.Accuracy, m.Precision, m.Recall, m.F1, m.Specificity)
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "INSTRUMENT\tTICKS\tANOMALIES\tBLOCKED\tTRUST\tLEVEL\n")
	for _, s := range e.Instruments {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%s\n", s.InstrumentID, s.Ticks, s.Anomalies, s.Blocked, s.TrustScore, s.TrustLevel)
	}
	return tw.Flush()
}
