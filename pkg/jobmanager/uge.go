package jobmanager

import (
	"regexp"
	"strings"

	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// qstat prints at most this many characters of a job name.
const ugeNameWidth = 10

var ugeSubmittedPattern = regexp.MustCompile(`Your job(?:-array)? (\d+)`)

func UGEFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandSubmission, "qsub"), JobFilePath(workingDir, jobFile))
		},
		// Plain qstat lists the caller's pending and running jobs.
		Monitor: func(b CommandBuilder, _ string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobMonitoring, "qstat"))
		},
		JobIDByName: func(b CommandBuilder, _ string, userName string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobIDByName, "qstat"), "-u", userName)
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandDeletion, "qdel"), jobID)
		},
		Parser: func() Parser { return UGEParser{} },
	}
}

type UGEParser struct{}

var _ Parser = UGEParser{}

func (UGEParser) ParseSubmission(stdout string) mo.Option[string] {
	if m := ugeSubmittedPattern.FindStringSubmatch(stdout); m != nil {
		return mo.Some(m[1])
	}
	return mo.None[string]()
}

func (UGEParser) IsSubmissionFailed(stdout string) bool {
	return strings.Contains(stdout, "Unable to run job") || strings.Contains(stdout, "error:")
}

// ugeState maps qstat state letters. Combined codes such as "Eqw" or "hr"
// resolve by precedence: error, deletion, suspension, running, queued.
func ugeState(code string) (entity.JobState, bool) {
	switch {
	case code == "":
		return "", false
	case strings.Contains(code, "E"):
		return entity.JobStateFailed, true
	case strings.Contains(code, "d"):
		return entity.JobStateCanceled, true
	case strings.ContainsAny(code, "sST"):
		return entity.JobStateSuspended, true
	case strings.ContainsAny(code, "rtR"):
		return entity.JobStateActive, true
	case strings.ContainsAny(code, "qwh"):
		return entity.JobStateQueued, true
	}
	return "", false
}

// qstat rows: job-ID, prior, name, user, state, submit date, submit time, ...
func (UGEParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	if strings.TrimSpace(stdout) == "" {
		return entity.JobStatus{State: entity.JobStateUnknown, Reason: "no jobs listed by qstat"}, nil
	}
	rows, ok := rowsAfterSeparator(stdout)
	if !ok {
		return entity.JobStatus{}, errors.NewParseError("qstat", "missing header separator", stdout)
	}
	for _, fields := range rows {
		if len(fields) < 5 {
			return entity.JobStatus{}, errors.NewParseError("qstat", "expected at least 5 fields per row", stdout)
		}
		if fields[0] != jobID {
			continue
		}
		state, known := ugeState(fields[4])
		if !known {
			return entity.JobStatus{}, errors.NewParseError("qstat", "unrecognized state "+fields[4], stdout)
		}
		return entity.JobStatus{State: state, Reason: "state = " + fields[4]}, nil
	}
	return entity.JobStatus{State: entity.JobStateUnknown, Reason: "job " + jobID + " not listed by qstat"}, nil
}

func (UGEParser) ParseJobID(jobName, stdout string) (mo.Option[string], error) {
	if strings.TrimSpace(stdout) == "" {
		return mo.None[string](), nil
	}
	rows, ok := rowsAfterSeparator(stdout)
	if !ok {
		return mo.None[string](), errors.NewParseError("qstat -u", "missing header separator", stdout)
	}
	for _, fields := range rows {
		if len(fields) < 3 {
			return mo.None[string](), errors.NewParseError("qstat -u", "expected at least 3 fields per row", stdout)
		}
		if matchesTruncated(fields[2], jobName, ugeNameWidth) {
			return mo.Some(fields[0]), nil
		}
	}
	return mo.None[string](), nil
}
