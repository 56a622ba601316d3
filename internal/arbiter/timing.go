package arbiter

import (
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/settings"
)

// Timing derives protocol deadlines from the broker settings.
type Timing struct {
	s settings.Settings
}

func NewTiming(s settings.Settings) Timing { return Timing{s: s} }

func (t Timing) MessagingMargin() time.Duration { return t.s.MessagingMargin.D() }

// MaximumDownloadTime is the time a client gets to move size bytes at the
// minimum upload rate, plus a fixed lead-in.
func (t Timing) MaximumDownloadTime(size uint64) time.Duration {
	bytesPerSec := t.s.MinimumUploadRate * 1024
	secs := size / bytesPerSec
	if size%bytesPerSec != 0 {
		secs++
	}
	return t.s.DownloadLeadingTime.D() + time.Duration(secs)*time.Second
}

// computationTime is the span between the offer and the computation deadline.
func computationTime(ttc *message.TaskToCompute) time.Duration {
	d := time.Duration(ttc.Deadline()-ttc.Timestamp) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// SubtaskVerificationTime bounds how long the requestor may take to accept or
// reject a reported result.
func (t Timing) SubtaskVerificationTime(rct *message.ReportComputedTask) time.Duration {
	cmt := t.MessagingMargin()
	return 4*cmt + 3*t.MaximumDownloadTime(rct.Size) + computationTime(rct.TaskToCompute)/2
}

func (t Timing) ForcingReportDeadline(ttc *message.TaskToCompute) time.Time {
	return deadlineOf(ttc).Add(t.MessagingMargin())
}

// ResultTransferCeiling is the last moment a forced result transfer may be requested.
func (t Timing) ResultTransferCeiling(ttc *message.TaskToCompute, size uint64) time.Time {
	return deadlineOf(ttc).Add(2*t.MaximumDownloadTime(size) + 3*t.MessagingMargin())
}

func (t Timing) ResultTransferDeadline(now time.Time, ttc *message.TaskToCompute, size uint64) time.Time {
	d := now.Add(t.MaximumDownloadTime(size) + t.MessagingMargin())
	if ceiling := t.ResultTransferCeiling(ttc, size); d.After(ceiling) {
		return ceiling
	}
	return d
}

// AcceptanceWindow returns when forced acceptance opens and when it closes.
func (t Timing) AcceptanceWindow(rct *message.ReportComputedTask) (start, end time.Time) {
	start = deadlineOf(rct.TaskToCompute).Add(t.SubtaskVerificationTime(rct))
	return start, start.Add(t.s.ForcedAcceptanceTime.D())
}

func (t Timing) ForcingAcceptanceDeadline(now time.Time) time.Time {
	return now.Add(t.MessagingMargin())
}

// VerificationDeadline is the last moment a rejected result may be disputed.
func (t Timing) VerificationDeadline(srr *message.SubtaskResultsRejected) time.Time {
	return srr.Time().Add(t.SubtaskVerificationTime(srr.ReportComputedTask))
}

func (t Timing) VerificationFileTransferDeadline(now time.Time, rct *message.ReportComputedTask) time.Time {
	return now.Add(t.MaximumDownloadTime(rct.Size+rct.TaskToCompute.Size) + t.MessagingMargin())
}

func (t Timing) AdditionalVerificationDeadline(now time.Time, ttc *message.TaskToCompute) time.Time {
	d := float64(computationTime(ttc)) * t.s.AdditionalVerificationTimeMultiplier / float64(t.s.BlenderThreads)
	return now.Add(time.Duration(d).Round(time.Second))
}

// PaymentDue reports when an accepted result must have been paid.
func (t Timing) PaymentDue(sra *message.SubtaskResultsAccepted) time.Time {
	return time.Unix(sra.PaymentTS, 0).UTC().Add(t.s.PaymentDueTime.D())
}

func deadlineOf(ttc *message.TaskToCompute) time.Time {
	return time.Unix(ttc.Deadline(), 0).UTC()
}

// zeroTime is the deadline of every passive state.
var zeroTime time.Time
