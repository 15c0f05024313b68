// Command train_model streams a CSV file of labelled examples into a model,
// one train step per row, and reports hold-out accuracy.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"modelhub/client"
)

func main() {
	server := flag.String("server", "http://localhost:8000", "modelhub base URL")
	dataPath := flag.String("data", "", "CSV file, one example per row, label in the last column")
	modelID := flag.Int64("model_id", 0, "existing model to train; 0 creates a new one")
	modelType := flag.String("model", "SGDClassifier", "estimator type for a new model")
	paramsJSON := flag.String("params", "{}", "estimator params for a new model, as JSON")
	nClasses := flag.Int("n_classes", 2, "class count for a new model")
	header := flag.Bool("header", false, "skip the first CSV row")
	testRatio := flag.Float64("test_ratio", 0.2, "share of rows held out for evaluation")
	flag.Parse()

	if *dataPath == "" {
		log.Fatal("data is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(*dataPath)
	if err != nil {
		log.Fatalf("failed to open data: %v", err)
	}
	defer f.Close()

	xs, ys, err := readExamples(f, *header)
	if err != nil {
		log.Fatalf("failed to read data: %v", err)
	}
	if len(xs) == 0 {
		log.Fatal("no examples in data")
	}

	c := client.New(*server)
	id := *modelID
	if id == 0 {
		var params map[string]any
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			log.Fatalf("invalid params: %v", err)
		}
		id, err = c.CreateModel(ctx, *modelType, params, len(xs[0]), *nClasses)
		if err != nil {
			log.Fatalf("failed to create model: %v", err)
		}
		log.Printf("created %s model %d", *modelType, id)
	}

	trainX, trainY, testX, testY := splitDataset(xs, ys, *testRatio)
	nTrained, err := train(ctx, c, id, trainX, trainY)
	if err != nil {
		log.Fatalf("training stopped after %d examples: %v", nTrained, err)
	}

	accuracy, err := evaluate(ctx, c, id, testX, testY)
	if err != nil {
		log.Fatalf("failed to evaluate model: %v", err)
	}
	fmt.Printf("model %d: n_trained=%d accuracy=%.3f on %d held-out examples\n", id, nTrained, accuracy, len(testX))
}

// readExamples parses rows of numbers; the last column is the integer label.
func readExamples(r io.Reader, skipHeader bool) ([][]float64, []int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	var (
		xs   [][]float64
		ys   []int
		line int
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		line++
		if skipHeader && line == 1 {
			continue
		}
		if len(record) < 2 {
			return nil, nil, fmt.Errorf("line %d: need at least one feature and a label", line)
		}

		x := make([]float64, len(record)-1)
		for j, field := range record[:len(record)-1] {
			if x[j], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, nil, fmt.Errorf("line %d column %d: %w", line, j+1, err)
			}
		}
		y, err := strconv.Atoi(record[len(record)-1])
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: label: %w", line, err)
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	return xs, ys, nil
}

func splitDataset(features [][]float64, labels []int, testRatio float64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio < 0 || testRatio >= 1 {
		testRatio = 0.2
	}

	split := int(float64(len(features)) * (1 - testRatio))
	return features[:split], labels[:split], features[split:], labels[split:]
}

func train(ctx context.Context, c *client.Client, id int64, xs [][]float64, ys []int) (int, error) {
	var n int
	for i := range xs {
		res, err := c.Train(ctx, id, xs[i], ys[i])
		if err != nil {
			return n, fmt.Errorf("example %d: %w", i, err)
		}
		n = res.NTrained
	}
	return n, nil
}

func evaluate(ctx context.Context, c *client.Client, id int64, xs [][]float64, ys []int) (float64, error) {
	if len(xs) == 0 {
		return 0, nil
	}
	var correct int
	for i := range xs {
		label, err := c.Predict(ctx, id, xs[i])
		if err != nil {
			return 0, err
		}
		if label == ys[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(xs)), nil
}
