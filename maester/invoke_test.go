package maester

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildScript(t *testing.T) {
	tests := []struct {
		name string
		opts InvokeOptions
		want string
	}{
		{
			name: "defaults",
			opts: InvokeOptions{OutputPath: "/tmp/out.html"},
			want: "Import-Module 'Maester' -ErrorAction Stop; Connect-Maester -ErrorAction Stop; " +
				"Invoke-Maester -OutputHtmlFile '/tmp/out.html' -NonInteractive",
		},
		{
			name: "tags and flags",
			opts: InvokeOptions{
				Tags:               []string{"CIS", "EIDSCA"},
				IncludeLongRunning: true,
				IncludePreview:     true,
				OutputPath:         "/tmp/out.html",
			},
			want: "Import-Module 'Maester' -ErrorAction Stop; Connect-Maester -ErrorAction Stop; " +
				"Invoke-Maester -Tag 'CIS','EIDSCA' -IncludeLongRunning -IncludePreview -OutputHtmlFile '/tmp/out.html' -NonInteractive",
		},
		{
			name: "empty tags dropped",
			opts: InvokeOptions{Tags: []string{" ", ""}, OutputPath: "r.html"},
			want: "Import-Module 'Maester' -ErrorAction Stop; Connect-Maester -ErrorAction Stop; " +
				"Invoke-Maester -OutputHtmlFile 'r.html' -NonInteractive",
		},
		{
			name: "quotes escaped",
			opts: InvokeOptions{Tags: []string{"it's"}, OutputPath: "/tmp/o'brien.html"},
			want: "Import-Module 'Maester' -ErrorAction Stop; Connect-Maester -ErrorAction Stop; " +
				"Invoke-Maester -Tag 'it''s' -OutputHtmlFile '/tmp/o''brien.html' -NonInteractive",
		},
		{
			name: "custom module without connect",
			opts: InvokeOptions{Module: "Maester.Dev", SkipConnect: true, OutputPath: "x.html"},
			want: "Import-Module 'Maester.Dev' -ErrorAction Stop; Invoke-Maester -OutputHtmlFile 'x.html' -NonInteractive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, BuildScript(tt.opts))
		})
	}
}

func TestBuildArgs(t *testing.T) {
	opts := InvokeOptions{IncludeLongRunning: true, OutputPath: "/tmp/out.html"}

	args := BuildArgs(opts)
	require.Equal(t, []string{"-NoProfile", "-NonInteractive", "-Command", BuildScript(opts)}, args)
}

func TestBuildCommand(t *testing.T) {
	cmd := BuildCommand("", InvokeOptions{SkipConnect: true, OutputPath: "/tmp/out.html"})
	require.Equal(t,
		`pwsh -NoProfile -NonInteractive -Command 'Import-Module '"'"'Maester'"'"' -ErrorAction Stop; Invoke-Maester -OutputHtmlFile '"'"'/tmp/out.html'"'"' -NonInteractive'`,
		cmd)
}
