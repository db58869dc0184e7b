package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается репозиториями, если запись отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrFetch означает временную ошибку опроса источника.
	ErrFetch = errors.New("fetch failed")
	// ErrMalformedSourceData означает запись коннектора без обязательных полей.
	ErrMalformedSourceData = errors.New("malformed source data")
	// ErrSummarization означает, что суммаризатор не вернул пригодный результат.
	ErrSummarization = errors.New("summarization failed")
	// ErrClassificationAmbiguous означает, что классификатор ответил вне закрытого набора категорий.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")
	// ErrAllocationConflict означает, что событие уже закреплено за другим дайджестом.
	ErrAllocationConflict = errors.New("allocation conflict")
	// ErrDigestInProgress означает, что генерация дайджеста за эту дату уже идёт.
	ErrDigestInProgress = errors.New("digest generation in progress")
)

// FetchError описывает исчерпанные попытки опроса источника.
type FetchError struct {
	SourceID int64
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %d: fetch failed after %d attempts: %v", e.SourceID, e.Attempts, e.Err)
}

// Unwrap позволяет сравнивать с ErrFetch и с исходной ошибкой.
func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }
