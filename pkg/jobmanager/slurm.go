package jobmanager

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// sbatch prints just "<id>[;cluster]" with --parsable, available since 2.6.
const slurmParsableSince = "2.6"

var (
	slurmSubmittedPattern = regexp.MustCompile(`Submitted batch job (\d+)`)
	slurmParsablePattern  = regexp.MustCompile(`^(\d+)(;\S+)?$`)
	slurmFailurePhrases   = []string{"error:", "Batch job submission failed", "FAILED"}
)

func SLURMFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			bin := b.Binary(entity.CommandSubmission, "sbatch")
			if b.VersionAtLeast(slurmParsableSince) {
				return b.Command(bin, "--parsable", JobFilePath(workingDir, jobFile))
			}
			return b.Command(bin, JobFilePath(workingDir, jobFile))
		},
		Monitor: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobMonitoring, "squeue"), "-j", jobID, "-o", "%i %t %r")
		},
		JobIDByName: func(b CommandBuilder, jobName, userName string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobIDByName, "squeue"), "-n", jobName, "-u", userName, "-o", "%i %j")
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandDeletion, "scancel"), jobID)
		},
		Parser: func() Parser { return SLURMParser{} },
	}
}

type SLURMParser struct{}

var _ Parser = SLURMParser{}

func (SLURMParser) ParseSubmission(stdout string) mo.Option[string] {
	if m := slurmSubmittedPattern.FindStringSubmatch(stdout); m != nil {
		return mo.Some(m[1])
	}
	for _, l := range nonEmptyLines(stdout) {
		if m := slurmParsablePattern.FindStringSubmatch(l); m != nil {
			return mo.Some(m[1])
		}
	}
	return mo.None[string]()
}

func (SLURMParser) IsSubmissionFailed(stdout string) bool {
	return lo.SomeBy(slurmFailurePhrases, func(p string) bool {
		return strings.Contains(stdout, p)
	})
}

var slurmStates = map[string]entity.JobState{
	"PD":  entity.JobStateQueued,
	"CF":  entity.JobStateQueued,
	"RQ":  entity.JobStateQueued,
	"R":   entity.JobStateActive,
	"CG":  entity.JobStateActive,
	"SO":  entity.JobStateActive,
	"ST":  entity.JobStateActive,
	"S":   entity.JobStateSuspended,
	"RS":  entity.JobStateSuspended,
	"CD":  entity.JobStateComplete,
	"CA":  entity.JobStateCanceled,
	"F":   entity.JobStateFailed,
	"TO":  entity.JobStateFailed,
	"NF":  entity.JobStateFailed,
	"PR":  entity.JobStateFailed,
	"BF":  entity.JobStateFailed,
	"OOM": entity.JobStateFailed,
	"DL":  entity.JobStateFailed,
}

// squeueTable splits squeue output into a header and data rows. The header
// must contain every column in want.
func squeueTable(stdout string, want ...string) (map[string]int, [][]string, error) {
	lines := nonEmptyLines(stdout)
	if len(lines) == 0 {
		return nil, nil, errors.NewParseError("squeue", "empty output", stdout)
	}
	header := strings.Fields(lines[0])
	cols := lo.Associate(lo.Range(len(header)), func(i int) (string, int) { return header[i], i })
	for _, w := range want {
		if _, ok := cols[w]; !ok {
			return nil, nil, errors.NewParseError("squeue", "header has no "+w+" column", stdout)
		}
	}
	rows := lo.Map(lines[1:], func(l string, _ int) []string { return strings.Fields(l) })
	return cols, rows, nil
}

func (SLURMParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" || strings.Contains(trimmed, "Invalid job id") {
		return entity.JobStatus{State: entity.JobStateUnknown, Reason: firstLine(trimmed)}, nil
	}
	cols, rows, err := squeueTable(stdout, "JOBID", "ST")
	if err != nil {
		return entity.JobStatus{}, err
	}
	for _, fields := range rows {
		if len(fields) <= cols["ST"] {
			return entity.JobStatus{}, errors.NewParseError("squeue", "row has fewer fields than header", stdout)
		}
		id := fields[cols["JOBID"]]
		if id != jobID && !strings.HasPrefix(id, jobID+"_") {
			continue
		}
		st := fields[cols["ST"]]
		state, ok := slurmStates[st]
		if !ok {
			return entity.JobStatus{}, errors.NewParseError("squeue", "unrecognized state code "+st, stdout)
		}
		reason := "ST = " + st
		if idx, ok := cols["REASON"]; ok && len(fields) > idx {
			reason += ", " + strings.Join(fields[idx:], " ")
		}
		return entity.JobStatus{State: state, Reason: reason}, nil
	}
	// Finished jobs age out of squeue.
	return entity.JobStatus{State: entity.JobStateUnknown, Reason: "job " + jobID + " not listed by squeue"}, nil
}

func (SLURMParser) ParseJobID(jobName, stdout string) (mo.Option[string], error) {
	if strings.TrimSpace(stdout) == "" {
		return mo.None[string](), nil
	}
	cols, rows, err := squeueTable(stdout, "JOBID", "NAME")
	if err != nil {
		return mo.None[string](), err
	}
	for _, fields := range rows {
		if len(fields) <= cols["NAME"] {
			return mo.None[string](), errors.NewParseError("squeue", "row has fewer fields than header", stdout)
		}
		if strings.Join(fields[cols["NAME"]:], " ") == jobName {
			return mo.Some(fields[cols["JOBID"]]), nil
		}
	}
	return mo.None[string](), nil
}
