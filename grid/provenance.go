package grid

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// WriteManifest writes a one-row grid file describing run. It records the
// run as it was defined when the run started.
func WriteManifest(ctx context.Context, path string, run Run) error {
	return Write(ctx, path, []Run{run})
}

// ReadManifest reads a manifest written by WriteManifest. Unlike Load, it
// does not require the row to be a reference run.
func ReadManifest(ctx context.Context, path string) (run Run, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return Run{}, errors.E(errors.NotExist, err, "open manifest", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	var row gridRow
	if err = r.Read(&row); err != nil {
		return Run{}, errors.E(errors.Invalid, err, "read manifest", path)
	}
	ref, err := parseFlag(row.IsReference)
	if err != nil {
		return Run{}, errors.E(errors.Invalid, err, "manifest is_reference", path)
	}
	return Run{ID: row.RunID, Fraction: row.Fraction, Replicate: row.Replicate, Seed: row.Seed, IsReference: ref}, nil
}

// Metadata is the provenance snapshot written at the start of each run
// stage.
type Metadata struct {
	Timestamp   string            `json:"timestamp_utc"`
	Hostname    string            `json:"hostname"`
	Platform    string            `json:"platform"`
	GoVersion   string            `json:"go_version"`
	Cwd         string            `json:"cwd"`
	PassID      string            `json:"pass_id"`
	Stage       string            `json:"stage,omitempty"`
	Run         RunMetadata       `json:"run"`
	Env         map[string]string `json:"env"`
	ToolVersion string            `json:"tool_version,omitempty"`
}

// RunMetadata is the run descriptor as recorded in Metadata.
type RunMetadata struct {
	ID          string  `json:"run_id"`
	Fraction    float64 `json:"fraction"`
	Replicate   int     `json:"replicate"`
	Seed        int64   `json:"seed"`
	IsReference bool    `json:"is_reference"`
}

// envPrefixes select the environment variables copied into Metadata.
var envPrefixes = []string{"SLURM_", "DEPTHSIM_"}

// NewMetadata captures the current process environment for run. The pass
// id is taken from the DEPTHSIM_PASS_ID environment variable when set, so
// that every stage submitted by one orchestration pass shares it; otherwise
// a new one is generated.
func NewMetadata(run Run, stage, toolVersion string) Metadata {
	md := Metadata{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:   runtime.Version(),
		PassID:      os.Getenv("DEPTHSIM_PASS_ID"),
		Stage:       stage,
		Run:         RunMetadata{run.ID, run.Fraction, run.Replicate, run.Seed, run.IsReference},
		Env:         map[string]string{},
		ToolVersion: toolVersion,
	}
	md.Hostname, _ = os.Hostname()
	md.Cwd, _ = os.Getwd()
	if md.PassID == "" {
		md.PassID = uuid.NewString()
	}
	env := os.Environ()
	sort.Strings(env)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		for _, p := range envPrefixes {
			if strings.HasPrefix(k, p) {
				md.Env[k] = v
				break
			}
		}
	}
	return md
}

// WriteMetadata writes md as indented JSON to path.
func WriteMetadata(ctx context.Context, path string, md Metadata) error {
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return file.WriteFile(ctx, path, append(b, '\n'))
}
