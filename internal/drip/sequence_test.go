package drip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr error
	}{
		{
			name:  "default definition",
			steps: DefaultDefinition("").Steps,
		},
		{
			name: "duplicate index",
			steps: []Step{
				{Index: 0, Template: "welcome"},
				{Index: 0, Template: "roi", Delay: Day},
			},
			wantErr: ErrDuplicateStep,
		},
		{
			name:    "negative delay",
			steps:   []Step{{Index: 1, Template: "roi", Delay: -Day}},
			wantErr: ErrInvalidDelay,
		},
		{
			name:    "partial day",
			steps:   []Step{{Index: 1, Template: "roi", Delay: 36 * time.Hour}},
			wantErr: ErrInvalidDelay,
		},
		{
			name:    "missing template",
			steps:   []Step{{Index: 1, Delay: Day}},
			wantErr: ErrMissingTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Definition{Steps: tt.steps}.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultDefinition(t *testing.T) {
	def := DefaultDefinition("/srv/checklist.pdf")
	require.Len(t, def.Steps, 7)

	wantDays := []int{0, 0, 2, 5, 9, 13, 20}
	for i, step := range def.Steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, wantDays[i], step.DelayDays(), "step %d", i)
	}

	assert.Equal(t, 5, def.DelayedSteps())
	require.NotNil(t, def.Steps[0].Attachment)
	assert.Equal(t, "/srv/checklist.pdf", def.Steps[0].Attachment.Path)
	assert.Equal(t, "application/pdf", def.Steps[0].Attachment.ContentType)
	assert.True(t, def.Steps[0].Immediate())
	assert.False(t, def.Steps[2].Immediate())
}

func TestDefaultDefinition_NoChecklist(t *testing.T) {
	def := DefaultDefinition("")
	assert.Nil(t, def.Steps[0].Attachment)
}
