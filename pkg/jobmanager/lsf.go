package jobmanager

import (
	"regexp"
	"strings"

	"github.com/samber/mo"
	"github.com/tidwall/gjson"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const lsfFields = "jobid job_name stat"

var lsfSubmittedPattern = regexp.MustCompile(`Job <(\d+)> is submitted`)

func LSFFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			cmd := b.Command(b.Binary(entity.CommandSubmission, "bsub"))
			file := b.Command("<", JobFilePath(workingDir, jobFile))
			return entity.RawCommandInfo{
				Command: cmd.Command + " " + file.Command,
				Args:    append(cmd.Args, file.Args...),
			}
		},
		Monitor: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobMonitoring, "bjobs"), "-json", "-o", lsfFields, jobID)
		},
		JobIDByName: func(b CommandBuilder, jobName, userName string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobIDByName, "bjobs"), "-json", "-o", lsfFields, "-J", jobName, "-u", userName)
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandDeletion, "bkill"), jobID)
		},
		Parser: func() Parser { return LSFParser{} },
	}
}

type LSFParser struct{}

var _ Parser = LSFParser{}

func (LSFParser) ParseSubmission(stdout string) mo.Option[string] {
	if m := lsfSubmittedPattern.FindStringSubmatch(stdout); m != nil {
		return mo.Some(m[1])
	}
	return mo.None[string]()
}

func (LSFParser) IsSubmissionFailed(stdout string) bool {
	return strings.Contains(stdout, "Request aborted") || strings.Contains(stdout, "not submitted")
}

var lsfStates = map[string]entity.JobState{
	"PEND":  entity.JobStateQueued,
	"WAIT":  entity.JobStateQueued,
	"RUN":   entity.JobStateActive,
	"PROV":  entity.JobStateActive,
	"DONE":  entity.JobStateComplete,
	"EXIT":  entity.JobStateFailed,
	"PSUSP": entity.JobStateSuspended,
	"USUSP": entity.JobStateSuspended,
	"SSUSP": entity.JobStateSuspended,
	"UNKWN": entity.JobStateUnknown,
	"ZOMBI": entity.JobStateUnknown,
}

// bjobsRecords validates `bjobs -json` output. Plain-text "No ... job found"
// answers yield no records.
func bjobsRecords(stdout string) ([]gjson.Result, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" || (strings.HasPrefix(trimmed, "No ") && strings.Contains(trimmed, "job found")) {
		return nil, nil
	}
	if !gjson.Valid(trimmed) {
		return nil, errors.NewParseError("bjobs -json", "output is not valid JSON", stdout)
	}
	records := gjson.Get(trimmed, "RECORDS")
	if !records.IsArray() {
		return nil, errors.NewParseError("bjobs -json", "missing RECORDS array", stdout)
	}
	return records.Array(), nil
}

func (LSFParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	records, err := bjobsRecords(stdout)
	if err != nil {
		return entity.JobStatus{}, err
	}
	for _, r := range records {
		if msg := r.Get("ERROR").String(); msg != "" {
			return entity.JobStatus{State: entity.JobStateUnknown, Reason: msg}, nil
		}
		if r.Get("JOBID").String() != jobID {
			continue
		}
		stat := r.Get("STAT").String()
		state, ok := lsfStates[stat]
		if !ok {
			return entity.JobStatus{}, errors.NewParseError("bjobs -json", "unrecognized STAT "+stat, stdout)
		}
		return entity.JobStatus{State: state, Reason: "STAT = " + stat}, nil
	}
	return entity.JobStatus{State: entity.JobStateUnknown, Reason: "job " + jobID + " not listed by bjobs"}, nil
}

func (LSFParser) ParseJobID(jobName, stdout string) (mo.Option[string], error) {
	records, err := bjobsRecords(stdout)
	if err != nil {
		return mo.None[string](), err
	}
	for _, r := range records {
		if r.Get("JOB_NAME").String() == jobName {
			if id := r.Get("JOBID").String(); id != "" {
				return mo.Some(id), nil
			}
		}
	}
	return mo.None[string](), nil
}
