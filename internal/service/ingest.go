package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/mailparse"
	"turbomail/backend/internal/monitoring"
	"turbomail/backend/internal/pool"
	"turbomail/backend/internal/storage"
)

// Notifier 是新邮件事件的进程内推送出口。
// 推送是尽力而为的，实现方不得阻塞调用方。
type Notifier interface {
	NotifyNewMail(channel string, summary *domain.MessageSummary)
}

// RawStore 负责原始报文落盘。
type RawStore interface {
	SaveRaw(messageID string, data []byte) error
}

// ReceiveInput 是接收网关的入参，对应传输代理 POST 的载荷。
// 重放时会原样序列化进失败账本，MessageID 必须保持稳定。
type ReceiveInput struct {
	MessageID  string            `json:"messageId"`
	From       string            `json:"from"`
	To         []string          `json:"to"`
	Subject    string            `json:"subject,omitempty"`
	TextBody   string            `json:"body,omitempty"`
	HTMLBody   string            `json:"html,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Raw        []byte            `json:"raw,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Ack 是返回给传输代理的受理回执。
// 反映整体受理情况而非每个收件人的成败：部分扇出失败
// 不触发代理在 SMTP 事务层面的重试，恢复由账本负责。
type Ack struct {
	MessageID  string `json:"messageId"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

// RetryReport 是一次账本重放的结果。
type RetryReport struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Remaining int `json:"remaining"`
}

// IngestService 是入站邮件的接收网关。
//
// 职责：归一化载荷、查路由索引、向每个持有设备扇出落库、
// 推送新邮件事件、维护计数器；任何单收件人失败写入失败账本
// 而不是中断其他收件人的投递。
type IngestService struct {
	store        storage.Store
	raw          RawStore
	notifier     Notifier
	workers      *pool.WorkerPool
	metrics      *monitoring.Metrics
	writeTimeout time.Duration
	log          *zap.Logger

	// 同一时间只允许一次重放，避免运维连点
	retryMu sync.Mutex
}

// NewIngestService 创建接收网关。
// raw、notifier、workers、metrics 都可以为 nil，对应能力退化为本地直跑或空操作。
func NewIngestService(store storage.Store, raw RawStore, notifier Notifier, workers *pool.WorkerPool, metrics *monitoring.Metrics, writeTimeout time.Duration, log *zap.Logger) *IngestService {
	if log == nil {
		log = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &IngestService{
		store:        store,
		raw:          raw,
		notifier:     notifier,
		workers:      workers,
		metrics:      metrics,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// Receive 受理一封入站邮件并向所有持有设备扇出。
//
// 只要载荷能被归一化，调用就会返回成功回执；
// 单个收件人的持久化失败会转成账本记录，绝不向传输代理冒泡。
func (s *IngestService) Receive(ctx context.Context, input ReceiveInput) (*Ack, error) {
	start := time.Now()
	msg := s.normalize(&input)

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	// 邮件本体先落库；失败时整封邮件进账本，仍然回执受理
	if err := s.saveMessage(ctx, msg); err != nil {
		s.log.Error("save message failed, writing ledger record",
			zap.String("messageId", msg.ID), zap.Error(err))
		s.recordFailure(ctx, payload, fmt.Errorf("save message: %w", err))
		s.bumpGlobalCounters(ctx)
		return &Ack{
			MessageID:  msg.ID,
			Recipients: len(msg.To),
			Failed:     len(msg.To),
		}, nil
	}

	if s.raw != nil && len(input.Raw) > 0 {
		if err := s.raw.SaveRaw(msg.ID, input.Raw); err != nil {
			// 原始报文只是补充材料，落盘失败不进账本
			s.log.Warn("save raw message failed",
				zap.String("messageId", msg.ID), zap.Error(err))
		}
	}

	// 全局计数器每封邮件只加一次，与收件人数量无关
	s.bumpGlobalCounters(ctx)
	if s.metrics != nil {
		s.metrics.RecordMessageAccepted()
	}

	delivered, failed := s.fanOut(ctx, msg, payload, true)

	if s.metrics != nil {
		s.metrics.RecordProcessingTime("receive", time.Since(start))
	}

	s.log.Info("message ingested",
		zap.String("messageId", msg.ID),
		zap.Int("recipients", len(msg.To)),
		zap.Int("delivered", delivered),
		zap.Int("failed", failed))

	return &Ack{
		MessageID:  msg.ID,
		Recipients: len(msg.To),
		Delivered:  delivered,
		Failed:     failed,
	}, nil
}

// RetryFailed 重放账本里所有待处理的失败记录。
//
// 按运维指令触发，不走定时器。对在线接收是并发安全的：
// 收件日志的键控幂等插入让重放收敛到同一终态。
// 单条记录的重放失败只记日志，不阻塞批次里的其他记录。
func (s *IngestService) RetryFailed(ctx context.Context) (*RetryReport, error) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	records, err := s.store.ListPendingFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending failures: %w", err)
	}

	report := &RetryReport{Attempted: len(records)}
	for i := range records {
		record := &records[i]

		var input ReceiveInput
		if err := json.Unmarshal(record.Payload, &input); err != nil {
			s.log.Error("failure record payload unreadable, leaving pending",
				zap.String("recordId", record.ID), zap.Error(err))
			continue
		}

		msg := s.normalize(&input)
		if err := s.saveMessage(ctx, msg); err != nil {
			s.log.Warn("retry: save message failed",
				zap.String("recordId", record.ID), zap.Error(err))
			continue
		}

		// 重放只重做扇出，全局计数器在首次受理时已经加过
		_, failed := s.fanOut(ctx, msg, record.Payload, false)
		if failed > 0 {
			s.log.Warn("retry: fan-out still failing, leaving pending",
				zap.String("recordId", record.ID), zap.Int("failed", failed))
			continue
		}

		if err := s.store.ResolveFailure(ctx, record.ID); err != nil {
			s.log.Error("retry: resolve record failed",
				zap.String("recordId", record.ID), zap.Error(err))
			continue
		}
		report.Resolved++
	}

	report.Remaining = report.Attempted - report.Resolved
	if s.metrics != nil {
		s.metrics.RecordRetryRun(report.Resolved)
		s.metrics.UpdateLedgerPending(report.Remaining)
	}

	s.log.Info("ledger replay finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("resolved", report.Resolved),
		zap.Int("remaining", report.Remaining))

	return report, nil
}

// normalize 把入参整理成一封完整的 InboundMessage。
//
// 取值优先级：结构化字段 > 原始报文解析 > 空值。
// 字段残缺不是拒收理由，解析出多少算多少。
func (s *IngestService) normalize(input *ReceiveInput) *domain.InboundMessage {
	if input.MessageID == "" {
		input.MessageID = uuid.NewString()
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = time.Now().UTC()
	}

	needsBody := input.TextBody == "" && input.HTMLBody == ""
	needsEnvelope := input.From == "" || len(input.To) == 0 || input.Subject == ""
	if len(input.Raw) > 0 && (needsBody || needsEnvelope) {
		parsed := mailparse.ParseLenient(input.Raw)
		if input.From == "" {
			input.From = parsed.From
		}
		if len(input.To) == 0 {
			input.To = parsed.To
		}
		if input.Subject == "" {
			input.Subject = parsed.Subject
		}
		if needsBody {
			input.TextBody = parsed.Text
			input.HTMLBody = parsed.HTML
		}
		if len(input.Headers) == 0 {
			input.Headers = parsed.Headers
		}
	}

	to := make([]string, 0, len(input.To))
	for _, addr := range input.To {
		if normalized := domain.NormalizeAddress(addr); normalized != "" {
			to = append(to, normalized)
		}
	}
	input.To = to

	return &domain.InboundMessage{
		ID:         input.MessageID,
		From:       input.From,
		To:         to,
		Subject:    input.Subject,
		TextBody:   input.TextBody,
		HTMLBody:   input.HTMLBody,
		Headers:    input.Headers,
		ReceivedAt: input.ReceivedAt,
		HasRaw:     len(input.Raw) > 0,
	}
}

// fanOut 对每个收件人查索引并向所有持有设备投递。
//
// 失败按收件人粒度捕获：一个收件人的失败不中断其他收件人；
// ledger 为 true 时失败写入账本（首次受理），重放时为 false，
// 失败只是让原记录继续挂起。
// 返回投递成功与失败的收件人数。
func (s *IngestService) fanOut(ctx context.Context, msg *domain.InboundMessage, payload []byte, ledger bool) (delivered, failed int) {
	for _, recipient := range msg.To {
		devices, err := s.store.DevicesFor(ctx, recipient)
		if err != nil {
			s.log.Warn("route lookup failed",
				zap.String("recipient", recipient), zap.Error(err))
			if ledger {
				s.recordFailure(ctx, payload, fmt.Errorf("lookup %s: %w", recipient, err))
			}
			failed++
			if s.metrics != nil {
				s.metrics.RecordDelivery(false)
			}
			continue
		}

		// 没有设备认领的地址落进哨兵桶，不静默丢弃
		if len(devices) == 0 {
			devices = []string{domain.UnroutedDeviceID}
			if s.metrics != nil {
				s.metrics.RecordUnrouted()
			}
		}

		if err := s.deliverToDevices(ctx, msg, recipient, devices); err != nil {
			if ledger {
				s.recordFailure(ctx, payload, fmt.Errorf("deliver %s: %w", recipient, err))
			}
			failed++
			if s.metrics != nil {
				s.metrics.RecordDelivery(false)
			}
			continue
		}

		delivered++
		if s.metrics != nil {
			s.metrics.RecordDelivery(true)
		}

		// 地址频道的订阅方也收一份事件
		s.publish(ctx, recipient, &domain.MessageSummary{
			MessageID:  msg.ID,
			Alias:      recipient,
			From:       msg.From,
			Subject:    msg.Subject,
			ReceivedAt: msg.ReceivedAt,
		})
	}
	return delivered, failed
}

// deliverToDevices 把一封邮件投给一个收件地址的全部持有设备。
// 设备之间的投递相互独立，可以并发执行；任何一个设备失败，
// 该收件人整体按失败处理（重放时幂等插入保证不重复）。
func (s *IngestService) deliverToDevices(ctx context.Context, msg *domain.InboundMessage, recipient string, devices []string) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, deviceID := range devices {
		deviceID := deviceID
		task := func() {
			defer wg.Done()
			if err := s.deliverOne(ctx, msg, recipient, deviceID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("device %s: %w", deviceID, err)
				}
				mu.Unlock()
			}
		}

		wg.Add(1)
		if s.workers != nil && s.workers.TrySubmit(task) {
			continue
		}
		// 没有协程池或队列已满时就地执行
		task()
	}

	wg.Wait()
	return firstErr
}

// deliverOne 向单个设备追加收件条目、递增设备计数并推送事件。
func (s *IngestService) deliverOne(ctx context.Context, msg *domain.InboundMessage, recipient, deviceID string) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	entry := &domain.InboxEntry{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		MessageID:  msg.ID,
		Alias:      recipient,
		From:       msg.From,
		Subject:    msg.Subject,
		ReceivedAt: msg.ReceivedAt,
	}

	if err := s.store.AppendEntry(wctx, entry); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}

	if err := s.store.IncrementCounter(wctx, domain.CounterReceivedCount, deviceID); err != nil {
		return fmt.Errorf("increment received_count: %w", err)
	}

	s.publish(ctx, deviceID, &domain.MessageSummary{
		MessageID:  msg.ID,
		DeviceID:   deviceID,
		Alias:      recipient,
		From:       msg.From,
		Subject:    msg.Subject,
		ReceivedAt: msg.ReceivedAt,
	})
	return nil
}

// publish 尽力而为地推送新邮件事件，错误只记日志。
func (s *IngestService) publish(ctx context.Context, channel string, summary *domain.MessageSummary) {
	if s.notifier != nil {
		s.notifier.NotifyNewMail(channel, summary)
	}

	pctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.store.PublishNewMail(pctx, channel, summary); err != nil {
		s.log.Warn("publish new mail failed",
			zap.String("channel", channel), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordEventPublished()
	}
}

// saveMessage 在写超时内幂等落库邮件本体。
func (s *IngestService) saveMessage(ctx context.Context, msg *domain.InboundMessage) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.store.SaveMessage(wctx, msg)
}

// bumpGlobalCounters 递增 total_emails 和 received_emails。
func (s *IngestService) bumpGlobalCounters(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.store.IncrementCounter(wctx, domain.CounterTotalEmails, ""); err != nil {
		s.log.Warn("increment total_emails failed", zap.Error(err))
	}
	if err := s.store.IncrementCounter(wctx, domain.CounterReceivedEmails, ""); err != nil {
		s.log.Warn("increment received_emails failed", zap.Error(err))
	}
}

// recordFailure 写入账本记录。
// 这是"已受理但有失败"能成立的前提，写入本身失败时记错误日志，
// 留下数据丢失的痕迹而不是悄悄吞掉。
func (s *IngestService) recordFailure(ctx context.Context, payload []byte, cause error) {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	record := &domain.FailureRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
		ErrorMessage: cause.Error(),
		Status:       domain.FailureStatusPending,
	}
	if err := s.store.RecordFailure(wctx, record); err != nil {
		s.log.Error("LEDGER WRITE FAILED, delivery attempt lost",
			zap.Error(err), zap.String("cause", cause.Error()))
	}
}
