package sandbox

import (
	"context"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/pubsub"
)

// Watch 先推送任务当前状态，再转发后续事件，直到终态、send 出错或 ctx 取消
func (e *Engine) Watch(ctx context.Context, userID int64, jobID string, send func(dto.StreamMessage) error) error {
	if _, err := e.Job(userID, jobID); err != nil {
		return err
	}

	sub, err := e.subscriber.SubscribeJob(ctx, jobID)
	if err != nil {
		return err
	}

	// 订阅生效后再读快照，中间的状态变化不会漏
	job, err := e.jobs.GetByID(jobID)
	if err != nil {
		sub.Close()
		return err
	}
	if err := send(snapshot(job)); err != nil {
		sub.Close()
		return err
	}
	if job.Status.IsTerminal() {
		sub.Close()
		return nil
	}

	var sendErr error
	err = sub.Run(ctx, func(ev *pubsub.JobEvent) bool {
		if sendErr = send(eventMessage(ev)); sendErr != nil {
			return false
		}
		return !ev.Terminal()
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

func snapshot(job *model.JobRecord) dto.StreamMessage {
	msg := dto.StreamMessage{Status: string(job.Status), Message: stageMessage(job.Status)}
	switch job.Status {
	case model.StatusCompleted:
		msg.ResultReportID = job.ResultID
	case model.StatusFailed:
		msg.Message = job.ErrorMessage
	}
	return msg
}

func eventMessage(ev *pubsub.JobEvent) dto.StreamMessage {
	return dto.StreamMessage{
		Status:         ev.Status,
		Message:        ev.Message,
		ResultReportID: ev.ResultReportID,
	}
}
