package jobmanager

import (
	"regexp"
	"strings"

	"github.com/samber/mo"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// PBS/Torque truncates Jobname in `qstat -u` to this many characters.
const pbsNameWidth = 16

var pbsJobIDPattern = regexp.MustCompile(`^\d+(\[\d*\])?(\.[\w.\-]+)?$`)

func PBSFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandSubmission, "qsub"), JobFilePath(workingDir, jobFile))
		},
		Monitor: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobMonitoring, "qstat"), "-f", jobID)
		},
		JobIDByName: func(b CommandBuilder, _ string, userName string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobIDByName, "qstat"), "-u", userName)
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandDeletion, "qdel"), jobID)
		},
		Parser: func() Parser { return PBSParser{} },
	}
}

type PBSParser struct{}

var _ Parser = PBSParser{}

func (PBSParser) ParseSubmission(stdout string) mo.Option[string] {
	for _, l := range nonEmptyLines(stdout) {
		if pbsJobIDPattern.MatchString(l) {
			return mo.Some(l)
		}
	}
	return mo.None[string]()
}

func (PBSParser) IsSubmissionFailed(stdout string) bool {
	for _, l := range nonEmptyLines(stdout) {
		if strings.HasPrefix(l, "qsub:") {
			return true
		}
	}
	return false
}

var pbsStates = map[string]entity.JobState{
	"Q": entity.JobStateQueued,
	"W": entity.JobStateQueued,
	"H": entity.JobStateQueued,
	"T": entity.JobStateQueued,
	"R": entity.JobStateActive,
	"B": entity.JobStateActive,
	"E": entity.JobStateActive,
	"S": entity.JobStateSuspended,
	"U": entity.JobStateSuspended,
	"C": entity.JobStateComplete,
	"F": entity.JobStateComplete,
	"X": entity.JobStateComplete,
}

// ParseQstatFull reads `qstat -f` output into attribute order. Wrapped values
// (continuation lines starting with a tab) are joined onto the previous
// attribute.
func ParseQstatFull(stdout string) *orderedmap.OrderedMap[string, string] {
	attrs := orderedmap.New[string, string]()
	var last string
	for _, raw := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if strings.HasPrefix(raw, "Job Id:") {
			attrs.Set("Job Id", strings.TrimSpace(strings.TrimPrefix(raw, "Job Id:")))
			last = ""
			continue
		}
		key, value, found := strings.Cut(raw, " = ")
		if !found {
			if last != "" && strings.HasPrefix(raw, "\t") {
				prev, _ := attrs.Get(last)
				attrs.Set(last, prev+strings.TrimSpace(raw))
			}
			continue
		}
		last = strings.TrimSpace(key)
		attrs.Set(last, strings.TrimSpace(value))
	}
	return attrs
}

func (PBSParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" || strings.Contains(trimmed, "Unknown Job Id") || strings.Contains(trimmed, "Job has finished") {
		return entity.JobStatus{State: entity.JobStateUnknown, Reason: firstLine(trimmed)}, nil
	}
	attrs := ParseQstatFull(stdout)
	state, ok := attrs.Get("job_state")
	if !ok {
		return entity.JobStatus{}, errors.NewParseError("qstat -f", "no job_state attribute for job "+jobID, stdout)
	}
	mapped, known := pbsStates[state]
	if !known {
		return entity.JobStatus{}, errors.NewParseError("qstat -f", "unrecognized job_state "+state, stdout)
	}
	reason := "job_state = " + state
	if comment, ok := attrs.Get("comment"); ok {
		reason += ", " + comment
	}
	return entity.JobStatus{State: mapped, Reason: reason}, nil
}

// ParseJobID scans `qstat -u` rows: Job ID, Username, Queue, Jobname, ...
func (PBSParser) ParseJobID(jobName, stdout string) (mo.Option[string], error) {
	if strings.TrimSpace(stdout) == "" {
		return mo.None[string](), nil
	}
	rows, ok := rowsAfterSeparator(stdout)
	if !ok {
		return mo.None[string](), errors.NewParseError("qstat -u", "missing header separator", stdout)
	}
	for _, fields := range rows {
		if len(fields) < 4 {
			return mo.None[string](), errors.NewParseError("qstat -u", "expected at least 4 fields per row", stdout)
		}
		if matchesTruncated(fields[3], jobName, pbsNameWidth) {
			return mo.Some(fields[0]), nil
		}
	}
	return mo.None[string](), nil
}

func firstLine(s string) string {
	l, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(l)
}
