package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

// Error codes returned in the JSON error body.
const (
	codeInvalidRequest   = "invalid_request"
	codeUnauthenticated  = "unauthenticated"
	codeUnverified       = "email_unverified"
	codeNotFound         = "not_found"
	codeModelUnavailable = "model_unavailable"
	codeInferenceFailed  = "inference_failed"
	codePersistFailed    = "persistence_failed"
	codeImageFetchFailed = "image_fetch_failed"
	codeExportFailed     = "export_failed"
	codeNotConfigured    = "not_configured"
	codeMethodNotAllowed = "method_not_allowed"
	codePayloadTooLarge  = "payload_too_large"
	codeRateLimited      = "rate_limited"
	codeInternal         = "internal_error"
)

var messages = []struct {
	code   string
	en, vi string
}{
	{codeInvalidRequest, "The request is invalid.", "Yêu cầu không hợp lệ."},
	{codeUnauthenticated, "Sign in to continue.", "Vui lòng đăng nhập để tiếp tục."},
	{codeUnverified, "Verify your email address to save diagnoses.", "Vui lòng xác minh email để lưu kết quả chẩn đoán."},
	{codeNotFound, "The requested item was not found.", "Không tìm thấy dữ liệu yêu cầu."},
	{codeModelUnavailable, "The diagnosis model is not available right now.", "Mô hình chẩn đoán hiện không khả dụng."},
	{codeInferenceFailed, "The image could not be diagnosed.", "Không thể chẩn đoán hình ảnh."},
	{codePersistFailed, "The diagnosis could not be saved.", "Không thể lưu kết quả chẩn đoán."},
	{codeImageFetchFailed, "A stored image could not be retrieved.", "Không thể tải hình ảnh đã lưu."},
	{codeExportFailed, "The report could not be generated.", "Không thể tạo báo cáo."},
	{codeNotConfigured, "This feature is not enabled on the server.", "Tính năng này chưa được bật trên máy chủ."},
	{codeMethodNotAllowed, "Method not allowed.", "Phương thức không được hỗ trợ."},
	{codePayloadTooLarge, "The upload is too large.", "Tệp tải lên quá lớn."},
	{codeRateLimited, "Too many requests. Try again shortly.", "Quá nhiều yêu cầu. Vui lòng thử lại sau."},
	{codeInternal, "Something went wrong.", "Đã xảy ra lỗi."},
}

var (
	messageCatalog = buildCatalog()
	messageMatcher = language.NewMatcher([]language.Tag{language.English, language.Vietnamese})
)

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, m := range messages {
		_ = b.SetString(language.English, m.code, m.en)
		_ = b.SetString(language.Vietnamese, m.code, m.vi)
	}
	return b
}

// printerFor returns a message printer for an Accept-Language value.
func printerFor(acceptLanguage string) *message.Printer {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	tag := language.English
	if _, i, _ := messageMatcher.Match(tags...); i == 1 {
		tag = language.Vietnamese
	}
	return message.NewPrinter(tag, message.Catalog(messageCatalog))
}

// Localize returns the message for code in the best matching language.
func Localize(acceptLanguage, code string) string {
	return printerFor(acceptLanguage).Sprintf(code)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusNotFound:
			return he.Code, codeNotFound
		case http.StatusMethodNotAllowed:
			return he.Code, codeMethodNotAllowed
		case http.StatusRequestEntityTooLarge:
			return he.Code, codePayloadTooLarge
		case http.StatusTooManyRequests:
			return he.Code, codeRateLimited
		case http.StatusUnauthorized:
			return he.Code, codeUnauthenticated
		case http.StatusForbidden:
			return he.Code, codeUnverified
		}
		if he.Code >= 400 && he.Code < 500 {
			return he.Code, codeInvalidRequest
		}
		return he.Code, codeInternal
	}

	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest, codeInvalidRequest
	case errors.CategoryAuthentication:
		if errors.Is(err, errors.ErrUnverified) {
			return http.StatusForbidden, codeUnverified
		}
		return http.StatusUnauthorized, codeUnauthenticated
	case errors.CategoryNotFound:
		return http.StatusNotFound, codeNotFound
	case errors.CategoryModelLoad:
		return http.StatusServiceUnavailable, codeModelUnavailable
	case errors.CategoryInference:
		return http.StatusUnprocessableEntity, codeInferenceFailed
	case errors.CategoryDatabase, errors.CategoryStorage:
		return http.StatusInternalServerError, codePersistFailed
	case errors.CategoryImageFetch:
		return http.StatusBadGateway, codeImageFetchFailed
	case errors.CategoryExport:
		return http.StatusInternalServerError, codeExportFailed
	case errors.CategoryConfiguration:
		return http.StatusNotImplemented, codeNotConfigured
	}
	if errors.Is(err, errors.ErrNotFound) {
		return http.StatusNotFound, codeNotFound
	}
	return http.StatusInternalServerError, codeInternal
}

// errorBody renders err for the caller's language.
func errorBody(err error, acceptLanguage string) (int, ErrorBody) {
	status, code := classify(err)
	return status, ErrorBody{Status: "error", Code: code, Message: Localize(acceptLanguage, code)}
}

// ErrorHandler writes every error returned by a handler as a localized JSON
// body. Server-side failures are logged with their cause.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorBody(err, c.Request().Header.Get("Accept-Language"))
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("path", c.Path()),
				zap.String("code", body.Code),
				zap.String("category", string(errors.CategoryOf(err))),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Warn("error response not written", zap.Error(err))
		}
	}
}
