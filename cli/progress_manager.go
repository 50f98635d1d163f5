package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(string) (progressSpinner, error)

var defaultSpinnerFactory progressSpinnerFactory = func(text string) (progressSpinner, error) {
	spinner, err := pterm.DefaultSpinner.
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
	if err != nil {
		return nil, err
	}
	return spinner, nil
}

// StepStatus represents the state of a progress step.
type StepStatus int

const (
	// StepPending indicates a step has not yet started.
	StepPending StepStatus = iota
	// StepRunning indicates a step is currently in progress.
	StepRunning
	// StepCompleted indicates a step finished successfully.
	StepCompleted
	// StepFailed indicates a step encountered an error.
	StepFailed
)

// Step is one stage of a capture run, e.g. acquiring the camera.
type Step struct {
	ID           string
	Message      string
	Status       StepStatus
	CompletedMsg string // shown instead of Message on success

	startTime time.Time
}

// ProgressManager shows one spinner per running step. Steps run one at a
// time; starting a step stops the spinner of the previous one.
type ProgressManager struct {
	mu             sync.Mutex
	steps          map[string]*Step
	current        progressSpinner
	spinnerFactory progressSpinnerFactory
	out            io.Writer
	disabled       bool
}

// ProgressManagerOption allows customizing ProgressManager behavior at creation time.
type ProgressManagerOption func(*ProgressManager)

// WithProgressOutput enables or disables terminal output for a ProgressManager.
func WithProgressOutput(enabled bool) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.disabled = !enabled
	}
}

// WithProgressWriter sets where messages without a spinner are printed.
func WithProgressWriter(out io.Writer) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.out = out
	}
}

func withProgressSpinnerFactory(factory progressSpinnerFactory) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.spinnerFactory = factory
	}
}

// NewProgressManager creates a ProgressManager with all steps registered upfront.
func NewProgressManager(steps []*Step, opts ...ProgressManagerOption) *ProgressManager {
	pterm.Success.Prefix = pterm.Prefix{
		Text:  "✓",
		Style: pterm.NewStyle(pterm.FgGreen),
	}
	pterm.Error.Prefix = pterm.Prefix{
		Text:  "✗",
		Style: pterm.NewStyle(pterm.FgRed),
	}
	pterm.DefaultSpinner.Style = pterm.NewStyle(pterm.FgCyan)

	pm := &ProgressManager{
		steps:          make(map[string]*Step, len(steps)),
		spinnerFactory: defaultSpinnerFactory,
	}
	for _, step := range steps {
		pm.steps[step.ID] = step
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

func (pm *ProgressManager) step(stepID string) (*Step, error) {
	step, ok := pm.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %q not found", stepID)
	}
	return step, nil
}

// Start begins animating the spinner for the given step ID.
func (pm *ProgressManager) Start(stepID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.step(stepID)
	if err != nil {
		return err
	}
	step.Status = StepRunning
	step.startTime = time.Now()
	if pm.disabled {
		return nil
	}

	if pm.current != nil {
		_ = pm.current.Stop() //nolint:errcheck
	}
	spinner, err := pm.spinnerFactory(step.Message)
	if err != nil {
		return fmt.Errorf("failed to start spinner: %w", err)
	}
	pm.current = spinner
	return nil
}

// Complete marks a step as completed.
func (pm *ProgressManager) Complete(stepID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.step(stepID)
	if err != nil {
		return err
	}
	msg := step.CompletedMsg
	if msg == "" {
		msg = step.Message
	}
	pm.completeLocked(step, msg)
	return nil
}

// CompleteWithMessage marks a step as completed with a custom message.
func (pm *ProgressManager) CompleteWithMessage(stepID, message string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.step(stepID)
	if err != nil {
		return err
	}
	pm.completeLocked(step, message)
	return nil
}

func (pm *ProgressManager) completeLocked(step *Step, message string) {
	step.Status = StepCompleted
	if pm.disabled {
		return
	}
	if !step.startTime.IsZero() {
		message += fmt.Sprintf(" (%s)", time.Since(step.startTime).Round(time.Millisecond))
	}
	if pm.current != nil {
		pm.current.Success(message)
		pm.current = nil
		return
	}
	pm.println(pterm.Success, message)
}

// Fail marks a step as failed.
func (pm *ProgressManager) Fail(stepID string, err error) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, stepErr := pm.step(stepID)
	if stepErr != nil {
		return stepErr
	}
	step.Status = StepFailed
	if pm.disabled {
		return nil
	}
	message := fmt.Sprintf("%s: %v", step.Message, err)
	if pm.current != nil {
		pm.current.Fail(message)
		pm.current = nil
		return nil
	}
	pm.println(pterm.Error, message)
	return nil
}

// UpdateText updates the text of the running spinner.
func (pm *ProgressManager) UpdateText(text string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.disabled || pm.current == nil {
		return
	}
	pm.current.UpdateText(text)
}

// Stop stops any active spinner.
func (pm *ProgressManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.current != nil {
		_ = pm.current.Stop() //nolint:errcheck
		pm.current = nil
	}
}

func (pm *ProgressManager) println(printer pterm.PrefixPrinter, message string) {
	if pm.out != nil {
		printer = *printer.WithWriter(pm.out)
	}
	printer.Println(message)
}
