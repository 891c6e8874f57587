package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/service"
)

// FeedHandler 订阅源 JSON API 与 Atom 文档
type FeedHandler struct {
	feeds  *service.FeedService
	logger *zap.Logger
}

// NewFeedHandler 创建订阅源处理器
func NewFeedHandler(feeds *service.FeedService, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{feeds: feeds, logger: logger}
}

// createFeedRequest 创建订阅源请求
type createFeedRequest struct {
	Name string `json:"name" binding:"required"`
}

type feedResponse struct {
	Reference  string    `json:"reference"`
	Title      string    `json:"title"`
	Email      string    `json:"email"`
	FeedURL    string    `json:"feed_url"`
	EntryCount *int      `json:"entry_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (h *FeedHandler) toFeedResponse(feed *domain.Feed) feedResponse {
	opts := h.feeds.Options()
	return feedResponse{
		Reference: feed.Reference,
		Title:     feed.Title,
		Email:     feed.Address(opts.EmailHost),
		FeedURL:   atom.FeedURL(opts.BaseURL, feed.Reference),
		CreatedAt: feed.CreatedAt,
		UpdatedAt: feed.UpdatedAt,
	}
}

// respondError 按业务错误输出 JSON 错误响应
func (h *FeedHandler) respondError(c *gin.Context, op string, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	Error(c, status, msg)
}

// createFeed godoc
// @Summary 创建订阅源
// @Description 创建订阅源及其收件地址，名称去除首尾空白后长度为 1 到 500 个字符
// @Tags Feeds
// @Accept json
// @Produce json
// @Param request body createFeedRequest true "订阅源名称"
// @Success 201 {object} Response{data=feedResponse}
// @Failure 400 {object} Response
// @Failure 422 {object} Response
// @Failure 429 {object} Response
// @Failure 503 {object} Response
// @Router /v1/feeds [post]
func (h *FeedHandler) createFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			UnprocessableEntity(c, MsgInvalidTitle)
			return
		}
		BadRequest(c, MsgInvalidRequest)
		return
	}

	feed, err := h.feeds.Create(c.Request.Context(), service.CreateFeedInput{Title: req.Name})
	if err != nil {
		h.respondError(c, "create feed", err)
		return
	}

	Created(c, h.toFeedResponse(feed))
}

// getFeed godoc
// @Summary 获取订阅源概要
// @Description 返回订阅源的名称、收件地址、订阅链接与当前条目数量，引用不区分大小写
// @Tags Feeds
// @Produce json
// @Param reference path string true "订阅源引用"
// @Success 200 {object} Response{data=feedResponse}
// @Failure 404 {object} Response
// @Router /v1/feeds/{reference} [get]
func (h *FeedHandler) getFeed(c *gin.Context) {
	summary, err := h.feeds.Summary(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, "get feed", err)
		return
	}

	resp := h.toFeedResponse(&summary.Feed)
	resp.EntryCount = &summary.EntryCount
	Success(c, resp)
}

// feedDocument godoc
// @Summary 获取 Atom 文档
// @Tags Feeds
// @Produce application/atom+xml
// @Param file path string true "<reference>.xml"
// @Success 200 {string} string "Atom 文档"
// @Failure 404 {object} Response
// @Router /feeds/{file} [get]
func (h *FeedHandler) feedDocument(c *gin.Context) {
	ref, ok := strings.CutSuffix(c.Param("file"), ".xml")
	if !ok {
		NotFound(c, MsgFeedNotFound)
		return
	}

	data, err := h.feeds.Render(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, "render feed", err)
		return
	}

	c.Header("Cache-Control", "public, max-age=60")
	c.Data(http.StatusOK, atom.ContentType, data)
}

// alternate 返回条目的 HTML 正文
//
// GET /alternates/<entryReference>.html
func (h *FeedHandler) alternate(c *gin.Context) {
	ref, ok := strings.CutSuffix(c.Param("file"), ".html")
	if !ok {
		NotFound(c, MsgEntryNotFound)
		return
	}

	entry, err := h.feeds.Entry(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, "get entry", err)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(entry.Content))
}

// liveReference 从 /feeds/:file/live 中解析订阅源引用，兼容带 .xml 后缀的写法
func liveReference(c *gin.Context) string {
	return strings.TrimSuffix(c.Param("file"), ".xml")
}

// resolveFeed 校验实时推送连接对应的订阅源
func (h *FeedHandler) resolveFeed(ctx context.Context, ref string) (string, error) {
	feed, err := h.feeds.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return feed.Reference, nil
}
