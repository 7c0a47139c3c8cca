package report

import (
	"golang.org/x/text/language"
)

// Labels is the fixed text of a report in one language.
type Labels struct {
	Lang language.Tag

	Title          string
	Owner          string
	ExportDate     string
	SummaryHeading string
	SummaryColumns [2]string
	DetailHeading  string
	DetailColumns  [6]string

	Healthy   string
	NoDisease string
	NoRecords string
	Error     string
	Unknown   string
	NotSaved  string
	Page      string

	NoImage          string
	ImageUnavailable string
	ImageDrawFailed  string

	DateLayout     string
	DateTimeLayout string
}

var English = Labels{
	Lang:             language.English,
	Title:            "Diagnosis History Report",
	Owner:            "User",
	ExportDate:       "Exported",
	SummaryHeading:   "Summary of results",
	SummaryColumns:   [2]string{"Disease / condition", "Count"},
	DetailHeading:    "Details",
	DetailColumns:    [6]string{"Date/time", "Source", "Disease", "Confidence", "Treatment", "Image"},
	Healthy:          "Healthy leaves",
	NoDisease:        "No specific disease could be identified from the results.",
	NoRecords:        "No valid records to summarize.",
	Error:            "Error",
	Unknown:          "Unknown",
	NotSaved:         "not saved",
	Page:             "Page",
	NoImage:          "no image",
	ImageUnavailable: "image unavailable",
	ImageDrawFailed:  "image draw failed",
	DateLayout:       "2006-01-02",
	DateTimeLayout:   "2006-01-02 15:04",
}

var Vietnamese = Labels{
	Lang:             language.Vietnamese,
	Title:            "Báo cáo Lịch sử Chẩn đoán",
	Owner:            "Người dùng",
	ExportDate:       "Ngày xuất",
	SummaryHeading:   "Tổng hợp kết quả lịch sử",
	SummaryColumns:   [2]string{"Loại bệnh / Tình trạng", "Số lượng"},
	DetailHeading:    "Chi tiết",
	DetailColumns:    [6]string{"Ngày giờ", "Nguồn", "Bệnh", "Độ chính xác", "Điều trị", "Ảnh"},
	Healthy:          "Lá khỏe mạnh",
	NoDisease:        "Không xác định được bệnh cụ thể từ kết quả lịch sử.",
	NoRecords:        "Không có dữ liệu lịch sử hợp lệ để tổng hợp.",
	Error:            "Lỗi",
	Unknown:          "Không rõ",
	NotSaved:         "chưa lưu",
	Page:             "Trang",
	NoImage:          "không có ảnh",
	ImageUnavailable: "không tải được ảnh",
	ImageDrawFailed:  "lỗi vẽ ảnh",
	DateLayout:       "02/01/2006",
	DateTimeLayout:   "15:04 02/01/2006",
}

var matcher = language.NewMatcher([]language.Tag{language.English, language.Vietnamese})

// LabelsFor picks the labels best matching an Accept-Language value.
func LabelsFor(acceptLanguage string) Labels {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	_, i, _ := matcher.Match(tags...)
	if i == 1 {
		return Vietnamese
	}
	return English
}
