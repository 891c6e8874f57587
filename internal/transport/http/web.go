package httptransport

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/service"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// loadTemplates 解析内嵌的 HTML 模板
func loadTemplates() *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/*.html"))
}

// staticFiles 返回内嵌静态资源的文件系统
func staticFiles() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}

// pageData 页面模板数据
type pageData struct {
	PageTitle  string
	AdminEmail string

	Name  string
	Error string

	Title   string
	Email   string
	FeedURL string
}

// WebHandler 处理浏览器页面
type WebHandler struct {
	feeds      *service.FeedService
	adminEmail string
	logger     *zap.Logger
}

// NewWebHandler 创建页面处理器
func NewWebHandler(feeds *service.FeedService, adminEmail string, logger *zap.Logger) *WebHandler {
	return &WebHandler{feeds: feeds, adminEmail: adminEmail, logger: logger}
}

func (h *WebHandler) page(title string) pageData {
	return pageData{PageTitle: title, AdminEmail: h.adminEmail}
}

// index 订阅源创建表单
func (h *WebHandler) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", h.page("Mail Feed"))
}

// create 处理表单提交
func (h *WebHandler) create(c *gin.Context) {
	name := c.PostForm("name")

	feed, err := h.feeds.Create(c.Request.Context(), service.CreateFeedInput{Title: name})
	if err != nil {
		status, msg := classify(err)
		if status == http.StatusUnprocessableEntity {
			data := h.page("Mail Feed")
			data.Name = name
			data.Error = msg
			c.HTML(status, "index.html", data)
			return
		}

		h.logger.Error("failed to create feed from form", zap.Error(err))
		data := h.page("Error · Mail Feed")
		data.Error = msg
		c.HTML(status, "error.html", data)
		return
	}

	opts := h.feeds.Options()
	data := h.page(feed.Title + " · Mail Feed")
	data.Title = feed.Title
	data.Email = feed.Address(opts.EmailHost)
	data.FeedURL = atom.FeedURL(opts.BaseURL, feed.Reference)
	c.HTML(http.StatusOK, "created.html", data)
}
