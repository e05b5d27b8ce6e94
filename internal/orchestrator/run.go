package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/progress"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/defliez/temperature-chamber/internal/upload"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxMismatchLines = 20

// run is the state of one queue execution. Only the loop goroutine touches
// it.
type run struct {
	id        uuid.UUID
	suite     *types.TestSuite
	override  bool
	startedAt time.Time
	estimate  time.Duration

	phase    Phase
	index    int
	step     int
	target   float64
	uploadID string
	current  *types.TestResult
	results  []types.TestResult
}

func (o *Orchestrator) startRun() error {
	if o.emergency || o.chamber.EmergencyActive() {
		return ErrEmergency
	}
	if o.run != nil {
		return ErrRunActive
	}
	s := o.Suite()
	if s.Len() == 0 {
		return ErrNoSuite
	}

	status := o.chamber.Status()
	if o.chamber.State() != types.WorkerRunning || status.MachineState == types.MachineStateDisconnected {
		return ErrNotConnected
	}

	steps := s.Steps()
	current := steps[0].Temp
	if status.HasCurrent {
		current = status.CurrentTemp
	}

	o.testNumber.Store(0)
	o.run = &run{
		id:        uuid.New(),
		suite:     s,
		override:  o.override,
		startedAt: time.Now(),
		phase:     PhaseIdle,
	}

	snap := o.estimator.Prime(steps, current, s.Len())
	o.run.estimate = time.Duration(snap.TotalEstimatedMS) * time.Millisecond
	o.estimator.Start(o.ctx, func(state progress.State) {
		o.bus.Publish(events.New(events.TypeProgress, source, state))
	})

	if status.HasCurrent && o.cfg.TempGapWarning > 0 && current-steps[0].Temp >= o.cfg.TempGapWarning {
		o.logger.Warn("Chamber much warmer than first target",
			zap.Float64("current_temp", current),
			zap.Float64("first_target", steps[0].Temp))
		o.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level: events.AlertWarning,
			Code:  events.AlertTemperatureGap,
			Message: fmt.Sprintf("chamber is at %.1f C, first target is %.1f C; cooling down will take long",
				current, steps[0].Temp),
		}))
	}

	o.logger.Info("Test run started",
		zap.String("run_id", o.run.id.String()),
		zap.String("suite", s.Name),
		zap.Int("tests", s.Len()),
		zap.Duration("estimate", o.run.estimate))

	o.bus.Publish(events.New(events.TypeRunStarted, source, events.RunStarted{
		RunID:       o.run.id.String(),
		Suite:       s.Name,
		Tests:       s.Len(),
		EstimatedMS: snap.TotalEstimatedMS,
		Override:    o.override,
	}))
	o.publishQueue()

	o.beginTest(0)
	return nil
}

func (o *Orchestrator) beginTest(index int) {
	r := o.run
	name, def, ok := r.suite.At(index)
	if !ok {
		o.completeRun()
		return
	}

	r.index = index
	r.step = 0
	r.uploadID = ""
	r.current = &types.TestResult{Index: index, Name: name}

	o.logger.Info("Test started",
		zap.Int("test", index),
		zap.String("name", name),
		zap.Int("steps", len(def.ChamberSequences)))

	if def.Sketch == "" {
		o.startStep(0)
		return
	}

	r.phase = PhaseUploading
	id, err := o.uploader.Upload(upload.Request{TestIndex: index, Sketch: def.Sketch})
	if err != nil {
		o.logger.Error("Upload could not start", zap.Int("test", index), zap.Error(err))
		o.failUpload(fmt.Sprintf("upload failed: %v", err))
		return
	}
	r.uploadID = id
}

func (o *Orchestrator) handleUploadFinished(res events.UploadFinished) {
	r := o.run
	if r == nil || r.phase != PhaseUploading || res.UploadID != r.uploadID {
		return
	}

	if !res.Success {
		reason := fmt.Sprintf("upload failed (exit code %d)", res.ExitCode)
		if res.Error != "" {
			reason = "upload failed: " + res.Error
		}
		o.failUpload(reason)
		return
	}

	o.startStep(0)
}

// failUpload marks the current test failed and skips its chamber steps.
// The rest of the queue still runs.
func (o *Orchestrator) failUpload(reason string) {
	r := o.run
	r.current.UploadFailed = true
	r.current.Reason = reason

	_, def, _ := r.suite.At(r.index)
	for range def.ChamberSequences {
		o.estimator.AdvanceSequence()
	}
	o.finishTest()
}

func (o *Orchestrator) startStep(step int) {
	r := o.run
	_, def, _ := r.suite.At(r.index)
	target := def.ChamberSequences[step]

	r.step = step
	r.target = target.Temp
	r.phase = PhaseHeating

	if err := o.chamber.SetTemperature(target.Temp); err != nil {
		// no status will confirm a target that never reached the chamber
		o.logger.Error("Sending target temperature failed",
			zap.Float64("target", target.Temp),
			zap.Error(err))
		o.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level:   events.AlertCritical,
			Code:    events.AlertChamberCommand,
			Message: fmt.Sprintf("could not send SET TEMP %.2f: %v", target.Temp, err),
		}))
		o.abort(types.RunInterrupted, "control board command failed")
		o.testNumber.Store(0)
		o.publishQueue()
		return
	}

	o.logger.Info("Chamber step started",
		zap.Int("test", r.index),
		zap.Int("step", step),
		zap.Float64("target", target.Temp),
		zap.Int("duration_min", target.Duration))

	if status := o.chamber.Status(); status.HasCurrent {
		o.handleChamberStatus(status)
	}
}

func (o *Orchestrator) handleChamberStatus(status types.ChamberStatus) {
	r := o.run
	if r == nil || r.phase != PhaseHeating || !status.HasCurrent {
		return
	}
	if math.Abs(status.CurrentTemp-r.target) > o.cfg.TargetTolerance {
		return
	}

	_, def, _ := r.suite.At(r.index)
	hold := time.Duration(def.ChamberSequences[r.step].Duration) * o.cfg.Minute

	o.logger.Info("Target temperature reached",
		zap.Float64("current_temp", status.CurrentTemp),
		zap.Float64("target", r.target),
		zap.Duration("hold", hold))

	r.phase = PhaseHolding
	o.gen++
	if hold <= 0 {
		o.handleHoldElapsed(holdElapsed{gen: o.gen})
		return
	}

	gen := o.gen
	o.holdTimer = time.AfterFunc(hold, func() {
		select {
		case o.holds <- holdElapsed{gen: gen}:
		case <-o.stopped:
		}
	})
}

func (o *Orchestrator) handleHoldElapsed(h holdElapsed) {
	r := o.run
	if r == nil || r.phase != PhaseHolding || h.gen != o.gen {
		return
	}
	o.holdTimer = nil

	snap := o.estimator.AdvanceSequence()
	o.bus.Publish(events.New(events.TypeSequenceAdvance, source, events.SequenceAdvance{
		TestIndex:     r.index,
		StepIndex:     r.step,
		SequenceIndex: snap.CurrentSequenceIndex,
		Target:        r.target,
	}))

	_, def, _ := r.suite.At(r.index)
	if r.step+1 < len(def.ChamberSequences) {
		o.startStep(r.step + 1)
		return
	}
	o.finishTest()
}

func (o *Orchestrator) handleBoardLine(line events.LineClassification) {
	r := o.run
	if r == nil || r.current == nil || r.phase == PhaseUploading || line.TestIndex != r.index {
		return
	}

	if line.Matched {
		r.current.Matches++
		return
	}
	r.current.Mismatches++
	if len(r.current.MismatchLines) < maxMismatchLines {
		entry := line.Stamp + " " + line.Line
		if line.Board != "" {
			entry = line.Stamp + " [" + line.Board + "] " + line.Line
		}
		r.current.MismatchLines = append(r.current.MismatchLines, entry)
	}
}

// finishTest records the verdict of the current test and moves on.
func (o *Orchestrator) finishTest() {
	r := o.run
	res := *r.current
	r.current = nil

	switch {
	case res.UploadFailed:
		res.Verdict = types.VerdictFail
	case res.Matches == 0 && res.Mismatches == 0:
		res.Verdict = types.VerdictFail
		res.Reason = "no output"
	case res.Mismatches > 0:
		res.Verdict = types.VerdictFail
		res.Reason = fmt.Sprintf("%d unexpected lines", res.Mismatches)
	default:
		res.Verdict = types.VerdictPass
	}
	r.results = append(r.results, res)

	o.logger.Info("Test finished",
		zap.Int("test", res.Index),
		zap.String("name", res.Name),
		zap.String("verdict", string(res.Verdict)),
		zap.String("reason", res.Reason),
		zap.Int("matches", res.Matches),
		zap.Int("mismatches", res.Mismatches))
	o.bus.Publish(events.New(events.TypeTestResult, source, res))

	o.testNumber.Add(1)
	o.publishQueue()
	o.beginTest(r.index + 1)
}

func (o *Orchestrator) completeRun() {
	snap := o.estimator.Stop()
	record := o.finishRecord(types.RunComplete, "", snap)
	runtime := progress.FormatRuntime(time.Duration(snap.ActualRuntimeMS) * time.Millisecond)

	o.testNumber.Store(0)
	o.suite.Store(nil)
	o.override = false
	o.refreshStatus()

	o.logger.Info("Test run complete",
		zap.String("run_id", record.ID.String()),
		zap.String("runtime", runtime))
	o.bus.Publish(events.New(events.TypeRunComplete, source,
		summarize(record, runtime, "all tests complete in "+runtime)))
	o.publishQueue()
}

// abort ends the active run early. The current test is recorded as
// aborted.
func (o *Orchestrator) abort(status types.RunStatus, reason string) {
	r := o.run
	o.gen++
	if o.holdTimer != nil {
		o.holdTimer.Stop()
		o.holdTimer = nil
	}

	if r.current != nil {
		res := *r.current
		res.Verdict = types.VerdictAborted
		res.Reason = reason
		r.results = append(r.results, res)
		r.current = nil
	}

	snap := o.estimator.Stop()
	record := o.finishRecord(status, reason, snap)
	runtime := progress.FormatRuntime(time.Duration(snap.ActualRuntimeMS) * time.Millisecond)

	o.logger.Warn("Test run aborted",
		zap.String("run_id", record.ID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	o.bus.Publish(events.New(events.TypeRunInterrupted, source,
		summarize(record, runtime, fmt.Sprintf("run %s: %s", status, reason))))
}

// finishRecord clears the active run and persists it in the background.
func (o *Orchestrator) finishRecord(status types.RunStatus, reason string, snap progress.State) *types.RunRecord {
	r := o.run
	o.run = nil

	record := &types.RunRecord{
		ID:          r.id,
		Suite:       r.suite.Name,
		Status:      status,
		Reason:      reason,
		Override:    r.override,
		StartedAt:   r.startedAt,
		FinishedAt:  time.Now(),
		EstimatedMS: snap.TotalEstimatedMS,
		ActualMS:    snap.ActualRuntimeMS,
		Results:     r.results,
	}

	if o.recorder != nil {
		o.saves.Add(1)
		go func() {
			defer o.saves.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SaveTimeout)
			defer cancel()
			if err := o.recorder.SaveRun(ctx, record); err != nil {
				o.logger.Error("Saving run failed",
					zap.String("run_id", record.ID.String()),
					zap.Error(err))
			}
		}()
	}
	return record
}

func summarize(record *types.RunRecord, runtime, message string) events.RunSummary {
	sum := events.RunSummary{
		RunID:       record.ID.String(),
		Suite:       record.Suite,
		Status:      string(record.Status),
		Reason:      record.Reason,
		ActualMS:    record.ActualMS,
		EstimatedMS: record.EstimatedMS,
		Runtime:     runtime,
		Message:     message,
	}
	for _, res := range record.Results {
		if res.Verdict == types.VerdictPass {
			sum.Passed++
		} else {
			sum.Failed++
		}
	}
	return sum
}
