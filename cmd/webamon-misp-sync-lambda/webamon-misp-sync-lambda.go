package main

import (
	"context"
	"fmt"

	_ "github.com/webamon/webamon-misp-sync/internal/provider/webamon"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/webamon/webamon-misp-sync/internal/sync"
	"github.com/webamon/webamon-misp-sync/pkg/interop"
)

type SyncResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Queries    int    `json:"queries"`
	Aborted    int    `json:"aborted"`
	Added      int    `json:"added"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
}

func HandleRequest(ctx context.Context) (SyncResult, error) {
	i, err := interop.NewInteroperability("")
	if err != nil {
		retErr := fmt.Errorf("failed to create interop: %w", err)
		return SyncResult{Message: retErr.Error()}, retErr
	}

	defer i.Shutdown()

	syncer, err := sync.New(i)
	if err != nil {
		retErr := fmt.Errorf("sync failed: %w", err)
		return SyncResult{Message: retErr.Error()}, retErr
	}

	report, err := syncer.Sync(ctx)
	if err != nil {
		retErr := fmt.Errorf("sync failed: %w", err)
		return SyncResult{Message: retErr.Error()}, retErr
	}

	totals := report.Totals()
	result := SyncResult{
		Success:    report.Aborted() == 0,
		RunID:      report.RunID,
		Queries:    len(report.Queries),
		Aborted:    report.Aborted(),
		Added:      totals.Added,
		Duplicates: totals.Duplicates,
		Failed:     totals.Failed,
	}

	if !result.Success {
		result.Message = fmt.Sprintf("%d of %d queries aborted", result.Aborted, result.Queries)
	}

	return result, nil
}

func main() {
	lambda.Start(HandleRequest)
}
