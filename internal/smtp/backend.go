package smtp

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/service"
)

var (
	errTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "relay access denied",
	}
	errParseFailed = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 6, 0},
		Message:      "message could not be parsed, try again later",
	}
	errStorageFailed = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary local problem, try again later",
	}
)

// Synthesizer 把一封邮件写入一个订阅源。
type Synthesizer interface {
	SynthesizeEntry(ctx context.Context, input service.SynthesizeInput) (*domain.Entry, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本域名的邮件，不提供中继。本域名下的任何本地部分都会在 RCPT 阶段被接受，
// 未知订阅源在 DATA 阶段静默丢弃，避免暴露哪些地址存在。
type Backend struct {
	synth         Synthesizer
	emailHost     string
	commitTimeout time.Duration
	limiter       *ConnectionLimiter
	metrics       *monitoring.Metrics
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewBackend 创建 SMTP Backend。
func NewBackend(synth Synthesizer, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) *Backend {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	commitTimeout := cfg.SMTP.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 30 * time.Second
	}
	return &Backend{
		synth:         synth,
		emailHost:     cfg.Feed.EmailHost,
		commitTimeout: commitTimeout,
		limiter:       NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.ConnectionsPerSecond),
		metrics:       metrics,
		logger:        logger,
		sessions:      make(map[*session]struct{}),
	}
}

// NewServer 按配置创建 SMTP 服务器。
func NewServer(b *Backend, cfg config.SMTPConfig) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	return s
}

// Shutdown 停止监听并等待进行中的会话结束，ctx 到期后关闭剩余会话的连接。
//
// go-smtp 在 Shutdown 之后调用 Close 不再关闭连接，所以由 Backend 记录的会话自行关闭。
func (b *Backend) Shutdown(ctx context.Context, s *gosmtp.Server) error {
	err := s.Shutdown(ctx)
	if err == nil || errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	b.closeSessions()
	return err
}

func (b *Backend) closeSessions() {
	b.mu.Lock()
	conns := make([]*gosmtp.Conn, 0, len(b.sessions))
	for sess := range b.sessions {
		conns = append(conns, sess.conn)
	}
	b.mu.Unlock()

	// Conn.Close 会回调 Logout，不能持锁调用
	for _, c := range conns {
		_ = c.Close()
	}
}

// NewSession 创建新的 SMTP 会话，超出连接限制时返回 421。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}

	if !b.limiter.Acquire() {
		b.logger.Warn("smtp connection refused by limiter", zap.String("remote", remote))
		return nil, errTooManyConnections
	}
	b.metrics.SMTPConnectionOpened()

	sess := &session{
		backend: b,
		conn:    c,
		logger:  b.logger.With(zap.String("remote", remote)),
	}
	if c != nil {
		b.mu.Lock()
		b.sessions[sess] = struct{}{}
		b.mu.Unlock()
	}
	return sess, nil
}

type session struct {
	backend    *Backend
	conn       *gosmtp.Conn
	logger     *zap.Logger
	from       string
	recipients []string
	closed     bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 外部域名返回 550，地址格式错误返回 501。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	localPart, host, ok := domain.SplitAddress(to)
	if !ok {
		s.backend.metrics.RecordSMTPRecipient(monitoring.ResultRejected)
		return errInvalidRecipient
	}
	if !domain.MatchesHost(host, s.backend.emailHost) {
		s.backend.metrics.RecordSMTPRecipient(monitoring.ResultRejected)
		s.logger.Info("relay attempt rejected", zap.String("recipient_domain", host))
		return errRelayDenied
	}

	for _, r := range s.recipients {
		if r == localPart {
			return nil
		}
	}
	s.recipients = append(s.recipients, localPart)
	return nil
}

// Data 解析邮件并为每个收件人生成条目。
//
// 超出大小上限返回 552，不再重试；解析失败或存储故障时返回 451，发送方会重试整封邮件；
// 未知订阅源逐个跳过。
func (s *session) Data(r io.Reader) error {
	body := &sizeTracker{r: r}
	parsed, err := ParseEmail(body)
	if err == nil {
		// 解析可能在读到上限之前结束
		_, err = io.Copy(io.Discard, body)
	}
	if body.exceeded || errors.Is(err, gosmtp.ErrDataTooLarge) {
		s.backend.metrics.RecordSMTPMessage(monitoring.ResultTooLarge)
		s.logger.Info("message exceeds size limit", zap.String("from", s.from))
		return gosmtp.ErrDataTooLarge
	}
	if err != nil {
		s.backend.metrics.RecordSMTPMessage(monitoring.ResultParseError)
		s.logger.Warn("failed to parse message", zap.String("from", s.from), zap.Error(err))
		return errParseFailed
	}

	delivered := 0
	for _, ref := range s.recipients {
		ctx, cancel := context.WithTimeout(context.Background(), s.backend.commitTimeout)
		entry, err := s.backend.synth.SynthesizeEntry(ctx, service.SynthesizeInput{
			FeedReference: ref,
			Subject:       parsed.Subject,
			From:          parsed.From,
			HTML:          parsed.HTML,
			Text:          parsed.Text,
		})
		cancel()

		switch {
		case err == nil:
			delivered++
			s.backend.metrics.RecordSMTPRecipient(monitoring.ResultAccepted)
			s.logger.Debug("message delivered", zap.String("feed", ref), zap.String("entry", entry.Reference))
		case errors.Is(err, domain.ErrFeedNotFound):
			s.backend.metrics.RecordSMTPRecipient(monitoring.ResultUnknown)
			s.logger.Info("dropping message for unknown feed", zap.String("feed", ref))
		default:
			s.backend.metrics.RecordSMTPRecipient(monitoring.ResultFailed)
			s.backend.metrics.RecordSMTPMessage(monitoring.ResultStorageError)
			s.logger.Error("failed to synthesize entry", zap.String("feed", ref), zap.Error(err))
			return errStorageFailed
		}
	}

	s.backend.metrics.RecordSMTPMessage(monitoring.ResultAccepted)
	s.logger.Info("message accepted",
		zap.Int("recipients", len(s.recipients)),
		zap.Int("delivered", delivered),
	)
	return nil
}

// sizeTracker 记录读取过程中是否触发了 go-smtp 的大小上限。
type sizeTracker struct {
	r        io.Reader
	exceeded bool
}

func (t *sizeTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if errors.Is(err, gosmtp.ErrDataTooLarge) {
		t.exceeded = true
	}
	return n, err
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.backend.mu.Lock()
	delete(s.backend.sessions, s)
	s.backend.mu.Unlock()
	s.backend.limiter.Release()
	s.backend.metrics.SMTPConnectionClosed()
	return nil
}
