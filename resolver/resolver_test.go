//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package resolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() AnalysisRequest {
	return AnalysisRequest{
		UserInput: "sum revenue by region",
		TableInfo: map[string]TableInfo{
			"sales.csv": {
				Dtypes:   map[string]string{"region": "string", "revenue": "float64"},
				FileType: "csv",
			},
		},
		Mode: ModeBasic,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AnalysisRequest)
		wantOK bool
	}{
		{
			name:   "valid basic",
			mutate: func(r *AnalysisRequest) {},
			wantOK: true,
		},
		{
			name:   "valid pro",
			mutate: func(r *AnalysisRequest) { r.Mode = ModePro },
			wantOK: true,
		},
		{
			name:   "empty input",
			mutate: func(r *AnalysisRequest) { r.UserInput = "" },
		},
		{
			name:   "whitespace-only input",
			mutate: func(r *AnalysisRequest) { r.UserInput = "   \t  " },
		},
		{
			name:   "no tables",
			mutate: func(r *AnalysisRequest) { r.TableInfo = nil },
		},
		{
			name:   "unknown mode",
			mutate: func(r *AnalysisRequest) { r.Mode = "turbo" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestRequestWireShape(t *testing.T) {
	data, err := json.Marshal(validRequest())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "user_input")
	assert.Contains(t, m, "table_info")
	assert.Contains(t, m, "mode")

	table := m["table_info"].(map[string]any)["sales.csv"].(map[string]any)
	assert.Contains(t, table, "dtypes")
	assert.Equal(t, "csv", table["fileType"])
}

func TestResolvedCommandWireShape(t *testing.T) {
	payload := `{
		"next_step": "execute_command",
		"command": {"code": "df.groupby('region').sum()", "output_filename": ["result.xlsx"]},
		"message": ""
	}`
	var cmd ResolvedCommand
	require.NoError(t, json.Unmarshal([]byte(payload), &cmd))
	assert.Equal(t, StepExecute, cmd.NextStep)
	require.NotNil(t, cmd.Command)
	assert.Equal(t, "df.groupby('region').sum()", cmd.Command.Code)
	assert.Equal(t, []string{"result.xlsx"}, cmd.Command.OutputFilename)

	// Clarification answers carry no command.
	payload = `{"next_step": "need_more_info", "message": "which column?"}`
	cmd = ResolvedCommand{}
	require.NoError(t, json.Unmarshal([]byte(payload), &cmd))
	assert.Equal(t, StepNeedMoreInfo, cmd.NextStep)
	assert.Nil(t, cmd.Command)
	assert.Equal(t, "which column?", cmd.Message)
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Code: 429, Detail: "quota exceeded"}
	assert.Equal(t, "resolver: status 429: quota exceeded", err.Error())
}
