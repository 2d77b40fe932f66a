package submission

import (
	"context"
	"strings"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/entity"
)

// UsageReportingCommand builds the accounting command run after a job is
// queued. The submit time is taken on the remote host.
func UsageReportingCommand(resource entity.ComputeResource, userName, jobID string) string {
	var b strings.Builder
	if load := strings.TrimSpace(resource.UsageReportingLoadCmd); load != "" {
		b.WriteString(load)
		b.WriteString(" && ")
	}
	b.WriteString(resource.UsageReportingExecutable)
	b.WriteString(" -gateway_user ")
	b.WriteString(shellescape.Quote(userName + "@" + resource.UsageReportingGatewayID))
	b.WriteString(" -submit_time \"`date '+%F %T %:z'`\"")
	b.WriteString(" -jobid ")
	b.WriteString(shellescape.Quote(jobID))
	return b.String()
}

// reportUsage runs the accounting command when the resource asks for one.
// Its result never changes the job's state.
func (o *Orchestrator) reportUsage(ctx context.Context, r *run) {
	if !r.resource.UsageReporting || r.resource.UsageReportingExecutable == "" {
		return
	}
	cmd := UsageReportingCommand(r.resource, r.userName, r.job.JobID)
	out, err := r.adaptor.ExecuteCommand(ctx, cmd, "")
	switch {
	case err != nil:
		r.log.Warn("usage reporting failed", zap.Error(err))
	case !out.Succeeded():
		r.log.Warn("usage reporting failed",
			zap.Int("exit_code", out.ExitCode),
			zap.String("stderr", strings.TrimSpace(out.StdErr)))
	default:
		r.log.Debug("usage reported", zap.String("job_id", r.job.JobID))
	}
}
