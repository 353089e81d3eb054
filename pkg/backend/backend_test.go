package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantValid bool
		wantValue float64
		wantLower float64
		wantUpper float64
		wantStats ErrorStats
	}{
		{
			name:      "complete output",
			output:    "Prediction:42.5 Confidence_interval:40.1,44.9 mae:1.5 mse:2.25 mape:0.03 smape:0.031",
			wantValid: true,
			wantValue: 42.5,
			wantLower: 40.1,
			wantUpper: 44.9,
			wantStats: ErrorStats{MAE: 1.5, MSE: 2.25, MAPE: 0.03, SMAPE: 0.031},
		},
		{
			name:      "R print artefacts",
			output:    "[1] \"Prediction:10\"\n[1] \"Confidence_interval:9,11\"\n[1] \"mae:0.5\"",
			wantValid: true,
			wantValue: 10,
			wantLower: 9,
			wantUpper: 11,
			wantStats: ErrorStats{MAE: 0.5},
		},
		{
			name:      "missing interval",
			output:    "Prediction:42.5 mae:1",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
			wantStats: ErrorStats{MAE: 1},
		},
		{
			name:      "missing prediction",
			output:    "Confidence_interval:1,2",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
		},
		{
			name:      "malformed interval",
			output:    "Prediction:1 Confidence_interval:abc",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
		},
		{
			name:      "non numeric prediction",
			output:    "Prediction:NA Confidence_interval:1,2",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
		},
		{
			name:      "non finite prediction and interval",
			output:    "Prediction:NaN Confidence_interval:-Inf,Inf",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
		},
		{
			name:      "infinite interval bound",
			output:    "Prediction:5 Confidence_interval:1,+Inf",
			wantValid: false,
			wantLower: -math.MaxFloat64,
			wantUpper: math.MaxFloat64,
		},
		{
			name:      "non finite statistic defaults to zero",
			output:    "Prediction:5 Confidence_interval:4,6 mae:NaN mse:2",
			wantValid: true,
			wantValue: 5,
			wantLower: 4,
			wantUpper: 6,
			wantStats: ErrorStats{MSE: 2},
		},
		{
			name:      "noise is ignored",
			output:    "Loading required package: forecast\nPrediction:3 Confidence_interval:2,4 done",
			wantValid: true,
			wantValue: 3,
			wantLower: 2,
			wantUpper: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOutput("cpu", tt.output)
			if got.Metric != "cpu" {
				t.Errorf("Metric = %q, want %q", got.Metric, "cpu")
			}
			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", got.Value, tt.wantValue)
			}
			if got.Lower != tt.wantLower || got.Upper != tt.wantUpper {
				t.Errorf("interval = [%v, %v], want [%v, %v]", got.Lower, got.Upper, tt.wantLower, tt.wantUpper)
			}
			if got.Stats != tt.wantStats {
				t.Errorf("Stats = %+v, want %+v", got.Stats, tt.wantStats)
			}
		})
	}
}

func TestCommand_Submit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	c := &Command{
		Path: "sh",
		Args: []string{"-c", `echo "Prediction:7 Confidence_interval:6,8 dataset:$0 metric:$1 target:$2"`},
	}

	res, err := c.Submit(context.Background(), Job{
		Metric:  "ram",
		Dataset: "/tmp/app_ram.csv",
		Target:  time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Valid || res.Value != 7 || res.Lower != 6 || res.Upper != 8 {
		t.Errorf("Submit() = %+v, want valid 7 [6,8]", res)
	}
}

func TestCommand_Submit_Failures(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tests := []struct {
		name   string
		script string
	}{
		{name: "non-zero exit", script: "echo Prediction:1; exit 3"},
		{name: "empty output", script: "echo oops >&2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Command{Path: "sh", Args: []string{"-c", tt.script}}
			_, err := c.Submit(context.Background(), Job{Metric: "cpu", Target: time.Unix(0, 0)})
			if !errors.Is(err, ErrInvocation) {
				t.Errorf("Submit() error = %v, want ErrInvocation", err)
			}
		})
	}
}

func TestCommand_Submit_EmptyPath(t *testing.T) {
	c := &Command{}
	if _, err := c.Submit(context.Background(), Job{Metric: "cpu"}); !errors.Is(err, ErrInvocation) {
		t.Errorf("Submit() error = %v, want ErrInvocation", err)
	}
}

func TestHTTP_Submit_RawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req httpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Metric != "latency" || req.TargetTimestamp != 1700000120 || req.Dataset != "/d/latency.csv" {
			t.Errorf("unexpected request %+v", req)
		}
		fmt.Fprint(w, "Prediction:120 Confidence_interval:100,140 mae:3")
	}))
	defer server.Close()

	h := NewHTTP(server.URL, "", time.Second)
	res, err := h.Submit(context.Background(), Job{
		Metric:  "latency",
		Dataset: "/d/latency.csv",
		Target:  time.Unix(1700000120, 0),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Valid || res.Value != 120 || res.Stats.MAE != 3 {
		t.Errorf("Submit() = %+v", res)
	}
}

func TestHTTP_Submit_OutputPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result": {"stdout": "Prediction:5 Confidence_interval:4,6"}}`)
	}))
	defer server.Close()

	h := NewHTTP(server.URL, "result.stdout", time.Second)
	res, err := h.Submit(context.Background(), Job{Metric: "cpu", Target: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Valid || res.Value != 5 {
		t.Errorf("Submit() = %+v", res)
	}
}

func TestHTTP_Submit_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		outputPath string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "empty body", status: http.StatusOK, body: "  "},
		{name: "missing output path", status: http.StatusOK, body: `{"other": 1}`, outputPath: "stdout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			h := NewHTTP(server.URL, tt.outputPath, time.Second)
			_, err := h.Submit(context.Background(), Job{Metric: "cpu", Target: time.Unix(0, 0)})
			if !errors.Is(err, ErrInvocation) {
				t.Errorf("Submit() error = %v, want ErrInvocation", err)
			}
		})
	}
}
