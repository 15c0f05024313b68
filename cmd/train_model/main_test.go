package main

import (
	"strings"
	"testing"
)

func TestReadExamples(t *testing.T) {
	data := "f1,f2,label\n0.5, 1, 0\n-2,3.25,1\n"
	xs, ys, err := readExamples(strings.NewReader(data), true)
	if err != nil {
		t.Fatalf("readExamples: %v", err)
	}
	if len(xs) != 2 || len(ys) != 2 {
		t.Fatalf("expected 2 examples, got %d", len(xs))
	}
	if xs[1][0] != -2 || xs[1][1] != 3.25 || ys[1] != 1 {
		t.Fatalf("unexpected second example: %v %d", xs[1], ys[1])
	}
}

func TestReadExamplesErrors(t *testing.T) {
	for _, data := range []string{
		"1\n",
		"1,x,0\n",
		"1,2,0.5\n",
	} {
		if _, _, err := readExamples(strings.NewReader(data), false); err == nil {
			t.Errorf("expected error for %q", data)
		}
	}
}

func TestSplitDataset(t *testing.T) {
	xs := [][]float64{{1}, {2}, {3}, {4}, {5}}
	ys := []int{0, 1, 0, 1, 0}

	trainX, trainY, testX, testY := splitDataset(xs, ys, 0.4)
	if len(trainX) != 3 || len(trainY) != 3 || len(testX) != 2 || len(testY) != 2 {
		t.Fatalf("unexpected split sizes %d/%d", len(trainX), len(testX))
	}

	trainX, _, testX, _ = splitDataset(xs, ys, 0)
	if len(trainX) != 5 || len(testX) != 0 {
		t.Fatalf("zero ratio should keep everything for training")
	}
}
