// resultsink.go adapts the teacher's App/Reporter/backend_reporter.go
// producer-consumer push pipeline from streaming Tests.TestResult rows to
// an HTTP backend, to streaming Types.ComplianceResult rows instead. Same
// retry/backoff idiom (buffered retry channel, WaitGroup over sleeping
// retry goroutines, retryable-vs-fatal classification on HTTP status), new
// payload type.
package Batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Types"
)

// ResultSink streams ComplianceResult rows to a backend URL as they
// complete, the way backendReporter streams TestResult rows (§C
// "Backend reporter parity").
type ResultSink struct {
	results    chan Types.ComplianceResult
	backendURL string
	batchID    string
	maxRetries int
	httpClient *http.Client
}

type retrySinkItem struct {
	result  Types.ComplianceResult
	attNum  int
}

// NewResultSink constructs a sink posting to backendURL, tagging every
// payload with batchID.
func NewResultSink(results chan Types.ComplianceResult, backendURL, batchID string) *ResultSink {
	return &ResultSink{
		results:    results,
		backendURL: backendURL,
		batchID:    batchID,
		maxRetries: 2,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type resultEnvelope struct {
	BatchID string                  `json:"batchId"`
	Result  Types.ComplianceResult  `json:"result"`
	EndFlag bool                    `json:"endFlag"`
}

// StartListening mirrors backendReporter.StartListening: it drains results
// (closed by the caller when the batch is done) and any pending retries,
// returning a channel that yields the final failed-upload count once both
// the input and every in-flight retry goroutine have settled.
func (s *ResultSink) StartListening() <-chan int {
	done := make(chan int)
	retryChan := make(chan retrySinkItem, 10)
	var retryWg sync.WaitGroup

	go func() {
		failed := 0
		inputOpen := true
		results := s.results

		for {
			if !inputOpen && len(retryChan) == 0 {
				retryWg.Wait()
				if len(retryChan) == 0 {
					s.sendLastWithFlag(&failed)
					break
				}
			}

			select {
			case r, ok := <-results:
				if !ok {
					inputOpen = false
					results = nil
				} else {
					s.tryToSendOrEnqueue(r, 0, retryChan, &retryWg, &failed)
				}
			case r := <-retryChan:
				s.tryToSendOrEnqueue(r.result, r.attNum, retryChan, &retryWg, &failed)
			}
		}

		done <- failed
	}()
	return done
}

func (s *ResultSink) tryToSendOrEnqueue(result Types.ComplianceResult, attNum int, retryChan chan retrySinkItem, retryWg *sync.WaitGroup, failed *int) {
	err := s.post(resultEnvelope{BatchID: s.batchID, Result: result})
	if err == nil {
		return
	}

	var custom *Errors.Error
	retryable := errors.As(err, &custom) && custom.IsRetryable
	if retryable && attNum < s.maxRetries {
		retryWg.Add(1)
		go func() {
			defer retryWg.Done()
			time.Sleep(2 * time.Second)
			retryChan <- retrySinkItem{result: result, attNum: attNum + 1}
		}()
		return
	}
	*failed++
}

func (s *ResultSink) sendLastWithFlag(failed *int) {
	err := s.post(resultEnvelope{BatchID: s.batchID, EndFlag: true})
	if err == nil {
		return
	}
	var custom *Errors.Error
	if errors.As(err, &custom) && custom.IsRetryable {
		time.Sleep(2 * time.Second)
		if err := s.post(resultEnvelope{BatchID: s.batchID, EndFlag: true}); err != nil {
			*failed++
		}
		return
	}
	*failed++
}

func (s *ResultSink) post(payload resultEnvelope) error {
	marshalled, err := json.Marshal(payload)
	if err != nil {
		return Errors.New(Errors.SourceBatch, 991, "failed marshalling compliance result: "+err.Error())
	}

	req, err := http.NewRequest(http.MethodPost, s.backendURL, bytes.NewReader(marshalled))
	if err != nil {
		return Errors.New(Errors.SourceBatch, 992, "failed building backend request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Errors.NewRetryable(Errors.SourceBatch, 993, "network error posting to backend: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	retryable := resp.StatusCode != 400 && resp.StatusCode != 401 && resp.StatusCode != 403
	msg := fmt.Sprintf("backend rejected compliance result with status %d", resp.StatusCode)
	if retryable {
		return Errors.NewRetryable(Errors.SourceBatch, 994, msg)
	}
	return Errors.New(Errors.SourceBatch, 994, msg)
}
