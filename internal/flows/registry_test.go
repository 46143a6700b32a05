package flows

import (
	"errors"
	"testing"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgsDownloadDirectory(t *testing.T) {
	r := Builtin()

	// Values as they arrive from a JSON body.
	args, err := r.ValidateArgs("DownloadDirectory", map[string]any{
		"pathspec_path":     "/tmp",
		"pathspec_pathtype": "TSK",
		"depth":             float64(42),
		"ignore_errors":     true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"pathspec_path":     "/tmp",
		"pathspec_pathtype": "TSK",
		"depth":             int64(42),
		"ignore_errors":     true,
	}, args)
}

func TestValidateArgsDefaults(t *testing.T) {
	r := Builtin()

	args, err := r.ValidateArgs("DownloadDirectory", map[string]any{"pathspec_path": "/etc"})
	require.NoError(t, err)
	assert.Equal(t, "OS", args["pathspec_pathtype"])
	assert.Equal(t, int64(10), args["depth"])
	assert.Equal(t, false, args["ignore_errors"])
}

func TestValidateArgsErrors(t *testing.T) {
	r := Builtin()

	tests := []struct {
		name   string
		flow   string
		args   map[string]any
		fields []string
	}{
		{
			name:   "unknown flow",
			flow:   "RmRf",
			fields: []string{"flow_name"},
		},
		{
			name:   "missing required",
			flow:   "DownloadDirectory",
			args:   map[string]any{"depth": 1},
			fields: []string{"flow_args.pathspec_path"},
		},
		{
			name:   "bad enum and fractional integer",
			flow:   "DownloadDirectory",
			args:   map[string]any{"pathspec_path": "/tmp", "pathspec_pathtype": "NTFS", "depth": 1.5},
			fields: []string{"flow_args.pathspec_pathtype", "flow_args.depth"},
		},
		{
			name:   "integer beyond int64",
			flow:   "DownloadDirectory",
			args:   map[string]any{"pathspec_path": "/tmp", "depth": 9.223372036854775808e18},
			fields: []string{"flow_args.depth"},
		},
		{
			name:   "unknown parameter",
			flow:   "Interrogate",
			args:   map[string]any{"verbose": true},
			fields: []string{"flow_args.verbose"},
		},
		{
			name:   "wrong type",
			flow:   "ListProcesses",
			args:   map[string]any{"fetch_binaries": "maybe"},
			fields: []string{"flow_args.fetch_binaries"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ValidateArgs(tt.flow, tt.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidArguments))

			var verrs validation.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var fields []string
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestListOrdering(t *testing.T) {
	flows := Builtin().List()
	var names []string
	for _, f := range flows {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Interrogate", "DownloadDirectory", "FileFinder", "ListProcesses"}, names)
}
