package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
)

// handleReceiptsExport выгружает чеки в xlsx по тем же фильтрам, что и
// GET /api/receipts. Копия файла остаётся в каталоге экспорта.
func (s *HTTPServer) handleReceiptsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := receiptFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipts, err := s.db.ListReceipts(r.Context(), filter)
	if err != nil {
		s.internalError(w, err, "Failed to list receipts for export")
		return
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheetName = "Чеки"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		s.internalError(w, err, "Failed to create export sheet")
		return
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Магазин", "Платеж", "UUID чека", "Ссылка",
		"Сумма", "Валюта", "Описание", "Статус", "Создан", "Отозван",
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
	}

	style, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	_ = f.SetCellStyle(sheetName, "A1", "K1", style)

	for i, receipt := range receipts {
		row := i + 2
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), receipt.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), receipt.StoreID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), receipt.PaymentID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), receipt.ReceiptUUID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), receipt.ReceiptURL)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), receipt.Amount)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), receipt.Currency)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), receipt.Description)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), receipt.Status)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("J%d", row), receipt.CreatedAt.Format("02.01.2006 15:04"))
		if receipt.CanceledAt != nil {
			_ = f.SetCellValue(sheetName, fmt.Sprintf("K%d", row), receipt.CanceledAt.Format("02.01.2006 15:04"))
		}
	}

	_ = f.SetColWidth(sheetName, "A", "B", 10)
	_ = f.SetColWidth(sheetName, "C", "E", 40)
	_ = f.SetColWidth(sheetName, "F", "G", 12)
	_ = f.SetColWidth(sheetName, "H", "H", 35)
	_ = f.SetColWidth(sheetName, "I", "K", 18)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("receipts_export_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	s.saveExportCopy(f, fileName)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	if err := f.Write(w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stream receipts export")
	}
}

// saveExportCopy сохраняет копию выгрузки на диск. Ошибка не мешает отдать
// файл клиенту.
func (s *HTTPServer) saveExportCopy(f *excelize.File, fileName string) {
	if s.cfg.Exports.Path == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.Exports.Path, 0o755); err != nil {
		s.logger.Warn().Err(err).Str("path", s.cfg.Exports.Path).Msg("Failed to create export directory")
		return
	}
	filePath := filepath.Join(s.cfg.Exports.Path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		s.logger.Warn().Err(err).Str("file_path", filePath).Msg("Failed to save export copy")
		return
	}
	s.logger.Info().Str("file_path", filePath).Msg("Excel file created")
}
