package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/infra"
)

type jobView struct {
	ID            string                `json:"jobId"`
	TenantID      string                `json:"tenantId"`
	ReservationID string                `json:"reservationId"`
	Credits       int64                 `json:"credits"`
	Request       domain.TryOnRequest   `json:"request"`
	Status        domain.JobStatus      `json:"status"`
	StatusAt      time.Time             `json:"statusAt"`
	Result        *domain.Result        `json:"result,omitempty"`
	Failure       *domain.Failure       `json:"failure,omitempty"`
	DispatchError *domain.DispatchError `json:"dispatchError,omitempty"`
	Committed     bool                  `json:"creditCommitted"`
	Released      bool                  `json:"creditReleased"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

func newJobView(job *domain.GenerationJob) jobView {
	fields := domain.FieldsOf(job.State)
	return jobView{
		ID:            job.ID,
		TenantID:      job.TenantID,
		ReservationID: job.ReservationID,
		Credits:       job.Credits,
		Request:       job.Request,
		Status:        fields.Status,
		StatusAt:      fields.StatusAt,
		Result:        fields.Result,
		Failure:       fields.Failure,
		DispatchError: job.DispatchError,
		Committed:     fields.CreditCommitted,
		Released:      fields.CreditReleased,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

// openJobStore connects the backend named by JOB_STORE.
func openJobStore(ctx context.Context) (domain.JobStore, func(), error) {
	switch backend := strings.ToLower(getEnvOrDefault("JOB_STORE", infra.StorePostgres)); backend {
	case infra.StorePostgres:
		runner, closeFn, err := openRunner(ctx, "job")
		if err != nil {
			return nil, nil, err
		}
		return repo.NewJobRepository(runner), closeFn, nil
	case infra.StoreRedis:
		client, err := infra.NewRedisClient(ctx, os.Getenv("REDIS_URL"))
		if err != nil {
			return nil, nil, err
		}
		return repo.NewJobRepositoryRedis(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("JOB_STORE %q cannot be inspected from outside the server", backend)
	}
}

var jobCmd = &cobra.Command{
	Use:   "job <jobID>",
	Short: "Show a job with its status, result and settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		jobs, closeFn, err := openJobStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		job, err := jobs.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load job %s: %w", args[0], err)
		}
		return printJSON(cmd.OutOrStdout(), newJobView(job))
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
}
