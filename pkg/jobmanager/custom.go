package jobmanager

import (
	"regexp"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

var (
	customRequired = []entity.CommandType{
		entity.CommandSubmission,
		entity.CommandJobMonitoring,
		entity.CommandJobIDByName,
		entity.CommandDeletion,
	}
	genericJobIDPattern = regexp.MustCompile(`\b(\d+(?:\.[\w\-]+)*)\b`)
	genericStateWords   = []lo.Tuple2[string, entity.JobState]{
		{A: "cancel", B: entity.JobStateCanceled},
		{A: "fail", B: entity.JobStateFailed},
		{A: "error", B: entity.JobStateFailed},
		{A: "complete", B: entity.JobStateComplete},
		{A: "done", B: entity.JobStateComplete},
		{A: "finished", B: entity.JobStateComplete},
		{A: "suspend", B: entity.JobStateSuspended},
		{A: "running", B: entity.JobStateActive},
		{A: "active", B: entity.JobStateActive},
		{A: "pending", B: entity.JobStateQueued},
		{A: "queued", B: entity.JobStateQueued},
	}
)

// CustomFlavor renders catalog-supplied templates. Placeholders {file},
// {dir}, {jobId}, {jobName} and {user} are replaced with shell-quoted values.
func CustomFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			return renderTemplate(b.Overrides[entity.CommandSubmission], map[string]string{
				"{file}": JobFilePath(workingDir, jobFile),
				"{dir}":  workingDir,
			})
		},
		Monitor: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return renderTemplate(b.Overrides[entity.CommandJobMonitoring], map[string]string{"{jobId}": jobID})
		},
		JobIDByName: func(b CommandBuilder, jobName, userName string) entity.RawCommandInfo {
			return renderTemplate(b.Overrides[entity.CommandJobIDByName], map[string]string{
				"{jobName}": jobName,
				"{user}":    userName,
			})
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return renderTemplate(b.Overrides[entity.CommandDeletion], map[string]string{"{jobId}": jobID})
		},
		Parser: func() Parser { return GenericParser{} },
		Validate: func(iface entity.JobSubmissionInterface) error {
			missing := lo.Filter(customRequired, func(ct entity.CommandType, _ int) bool {
				return strings.TrimSpace(iface.Commands[ct]) == ""
			})
			if len(missing) > 0 {
				return errors.Errorf("custom job manager for %s is missing command templates %v", iface.ComputeResourceID, missing)
			}
			return nil
		},
	}
}

func renderTemplate(tmpl string, values map[string]string) entity.RawCommandInfo {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, k, shellescape.Quote(v))
	}
	cmd := strings.NewReplacer(pairs...).Replace(strings.TrimSpace(tmpl))
	return entity.RawCommandInfo{Command: cmd, Args: strings.Fields(cmd)}
}

// GenericParser handles schedulers fronted by site scripts with loosely
// structured output.
type GenericParser struct{}

var _ Parser = GenericParser{}

func (GenericParser) ParseSubmission(stdout string) mo.Option[string] {
	for _, l := range nonEmptyLines(stdout) {
		if m := genericJobIDPattern.FindStringSubmatch(l); m != nil {
			return mo.Some(m[1])
		}
	}
	return mo.None[string]()
}

func (GenericParser) IsSubmissionFailed(stdout string) bool {
	lower := strings.ToLower(stdout)
	return strings.Contains(lower, "error") || strings.Contains(lower, "failed")
}

func (GenericParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	lower := strings.ToLower(stdout)
	if strings.TrimSpace(lower) == "" {
		return entity.JobStatus{State: entity.JobStateUnknown}, nil
	}
	for _, w := range genericStateWords {
		if strings.Contains(lower, w.A) {
			return entity.JobStatus{State: w.B, Reason: firstLine(stdout)}, nil
		}
	}
	return entity.JobStatus{}, errors.NewParseError("custom monitor", "no recognizable state for job "+jobID, stdout)
}

func (GenericParser) ParseJobID(_ string, stdout string) (mo.Option[string], error) {
	lines := nonEmptyLines(stdout)
	if len(lines) == 0 {
		return mo.None[string](), nil
	}
	if m := genericJobIDPattern.FindStringSubmatch(lines[0]); m != nil {
		return mo.Some(m[1]), nil
	}
	return mo.None[string](), errors.NewParseError("custom job lookup", "first line carries no job id", stdout)
}
