package coaching

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrDuplicateStepID is returned when a steps file declares the same id twice.
var ErrDuplicateStepID = errors.New("duplicate step id in steps file")

// stepsFile is the on-disk YAML layout. Settings fields are pointers so that an
// omitted key keeps its default.
type stepsFile struct {
	Settings struct {
		UseTutoiement      *bool                  `yaml:"use_tutoiement"`
		CustomInstructions *string                `yaml:"custom_instructions"`
		Tonality           *string                `yaml:"tonality"`
		MaxFollowUps       *int                   `yaml:"max_follow_ups"`
		BoldWords          *bool                  `yaml:"bold_words"`
		ResponseLength     *models.ResponseLength `yaml:"response_length"`
	} `yaml:"settings"`
	Steps []struct {
		ID                models.StepID `yaml:"id"`
		models.StepData `yaml:",inline"`
	} `yaml:"steps"`
}

// LoadStepsFile reads default settings and the coaching step sequence from a YAML file.
func LoadStepsFile(path string) (models.AISettings, error) {
	slog.Debug("LoadStepsFile invoked", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return models.AISettings{}, fmt.Errorf("failed to read steps file %s: %w", path, err)
	}
	settings, err := ParseSteps(bytes.NewReader(data))
	if err != nil {
		return models.AISettings{}, fmt.Errorf("invalid steps file %s: %w", path, err)
	}
	slog.Info("Coaching steps loaded", "path", path, "steps", len(settings.StepOrder))
	return settings, nil
}

// ParseSteps decodes a steps document on top of DefaultSettings and validates the result.
// The order of the steps list becomes the step order.
func ParseSteps(r io.Reader) (models.AISettings, error) {
	var doc stepsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return models.AISettings{}, fmt.Errorf("failed to decode steps: %w", err)
	}

	settings := DefaultSettings().Apply(models.SettingsUpdate{
		UseTutoiement:      doc.Settings.UseTutoiement,
		CustomInstructions: doc.Settings.CustomInstructions,
		Tonality:           doc.Settings.Tonality,
		MaxFollowUps:       doc.Settings.MaxFollowUps,
		BoldWords:          doc.Settings.BoldWords,
		ResponseLength:     doc.Settings.ResponseLength,
	})

	for i, step := range doc.Steps {
		id := step.ID
		if id == "" {
			id = models.StepID(fmt.Sprintf("step_%d", i))
		}
		if _, dup := settings.CoachingSteps[id]; dup {
			return models.AISettings{}, fmt.Errorf("%w: %s", ErrDuplicateStepID, id)
		}
		if len(step.Questions) == 0 {
			step.Questions = []string{""}
		}
		settings.CoachingSteps[id] = step.StepData
		settings.StepOrder = append(settings.StepOrder, id)
	}

	if err := settings.Validate(); err != nil {
		return models.AISettings{}, err
	}
	return settings, nil
}
