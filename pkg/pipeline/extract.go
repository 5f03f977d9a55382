package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/batch"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DatasetReport is the extraction outcome of one dataset.
type DatasetReport struct {
	Dataset   common.Dataset `json:"dataset"`
	Batches   int            `json:"batches"`
	Succeeded int            `json:"succeeded"`
	Concepts  int            `json:"concepts"`
	// DroppedRefs counts element ids returned by the oracle that were not
	// part of the submitted batch.
	DroppedRefs int `json:"dropped_refs"`
	// Discarded counts concepts left without any valid element.
	Discarded int                            `json:"discarded"`
	Failures  []*common.BatchExtractionError `json:"-"`
	Failed    *common.DatasetExtractionError `json:"-"`
	Stopped   bool                           `json:"stopped"`
}

func phaseFor(d common.Dataset) Phase {
	if d == common.DatasetD2 {
		return PhaseExtractD2
	}
	return PhaseExtractD1
}

// extractAll runs the D1 and D2 extraction loops concurrently and waits for
// both, whatever their outcome.
func (o *Orchestrator) extractAll(ctx context.Context, d1, d2 []common.Element) [2]DatasetReport {
	batches := [2][][]common.Element{
		batch.Split(d1, o.budget, o.batchOpts...),
		batch.Split(d2, o.budget, o.batchOpts...),
	}
	o.arena.setBatchesTotal(len(batches[0]) + len(batches[1]))

	var reports [2]DatasetReport
	var wg sync.WaitGroup
	for i, d := range []common.Dataset{common.DatasetD1, common.DatasetD2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = o.extractDataset(ctx, d, batches[i])
		}()
	}
	wg.Wait()
	return reports
}

// extractDataset submits the batches of one dataset strictly one after the
// other. A failed batch is recorded and the loop continues.
func (o *Orchestrator) extractDataset(ctx context.Context, d common.Dataset, batches [][]common.Element) DatasetReport {
	phase := phaseFor(d)
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(phase),
		trace.WithAttributes(
			attribute.String("dataset", string(d)),
			attribute.Int("batches", len(batches)),
		),
	)
	defer span.End()

	report := DatasetReport{Dataset: d, Batches: len(batches)}
	o.publish(phase, fmt.Sprintf("Extracting concepts from %s (%d batches)", d, len(batches)), 0, 1)

	for i, elements := range batches {
		if o.stopRequested(ctx) {
			report.Stopped = true
			break
		}

		concepts, dropped, discarded, err := o.extractBatch(ctx, d, elements)
		if o.stopRequested(ctx) {
			logger.Debug("[Extract] Discarding batch result received after abort", "dataset", d, "batch", i)
			report.Stopped = true
			break
		}
		if err != nil {
			batchErr := &common.BatchExtractionError{Dataset: d, Batch: i, Size: len(elements), Err: err}
			report.Failures = append(report.Failures, batchErr)
			o.arena.batchFailed()
			logger.Warn("[Extract] Batch failed", "dataset", d, "batch", i, "elements", len(elements), "err", err)
			span.RecordError(batchErr)
		} else {
			committed, err := o.arena.commitExtracted(concepts)
			if err != nil {
				batchErr := &common.BatchExtractionError{Dataset: d, Batch: i, Size: len(elements), Err: err}
				report.Failures = append(report.Failures, batchErr)
				logger.Warn("[Extract] Batch commit failed", "dataset", d, "batch", i, "err", err)
			} else {
				report.Succeeded++
				report.Concepts += len(committed)
			}
			report.DroppedRefs += dropped
			report.Discarded += discarded
		}

		o.publish(phase, fmt.Sprintf("Processed %s batch %d of %d", d, i+1, len(batches)), i+1, len(batches))
	}

	if report.Batches > 0 && report.Succeeded == 0 && !report.Stopped {
		report.Failed = &common.DatasetExtractionError{Dataset: d, Batches: report.Batches}
		logger.Error("[Extract] Dataset contributes no concepts", "dataset", d, "err", report.Failed)
		span.SetStatus(codes.Error, report.Failed.Error())
	}

	logger.Info("[Extract] Dataset finished",
		"dataset", d,
		"batches", report.Batches,
		"succeeded", report.Succeeded,
		"concepts", report.Concepts,
		"dropped_refs", report.DroppedRefs,
		"discarded", report.Discarded,
	)
	return report
}

// extractBatch asks the oracle for the concepts of one batch. Element ids that
// are not part of the batch are dropped and concepts left empty discarded.
func (o *Orchestrator) extractBatch(
	ctx context.Context,
	d common.Dataset,
	elements []common.Element,
) ([]common.Concept, int, int, error) {
	req := oracle.ExtractRequest{DatasetTag: string(d), Elements: make([]oracle.Element, 0, len(elements))}
	inBatch := make(map[string]struct{}, len(elements))
	for _, e := range elements {
		req.Elements = append(req.Elements, oracle.Element{ID: e.ID, Label: e.Label, Content: e.Content, Category: e.Category})
		inBatch[e.ID] = struct{}{}
	}

	resp, err := o.oracles.Extractor.Extract(ctx, req)
	if err != nil {
		return nil, 0, 0, err
	}
	if resp == nil {
		return nil, 0, 0, oracle.ErrEmptyResult
	}
	if err := resp.Validate(); err != nil {
		return nil, 0, 0, err
	}

	dropped, discarded := 0, 0
	concepts := make([]common.Concept, 0, len(resp.Concepts))
	for _, ec := range resp.Concepts {
		ids := make([]string, 0, len(ec.ElementIDs))
		for _, id := range ec.ElementIDs {
			if _, ok := inBatch[id]; !ok {
				dropped++
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			discarded++
			logger.Debug("[Extract] Concept without valid elements discarded", "dataset", d, "label", ec.Label)
			continue
		}

		c := common.Concept{Label: ec.Label, Description: ec.Description, D1IDs: []string{}, D2IDs: []string{}}
		if d == common.DatasetD2 {
			c.D2IDs = ids
		} else {
			c.D1IDs = ids
		}
		concepts = append(concepts, c)
	}
	return concepts, dropped, discarded, nil
}
