package responseprocessor

import (
	"context"
	"time"

	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// ConsumeStream implements spec §4.6's streaming chunk-consuming form:
// content chunks are forwarded (and concatenated) as they arrive; once the
// source closes, the concatenated content runs through the same
// transformation pipeline and quality scoring as the non-streaming path,
// with Streaming=true set, and the result is delivered on the returned
// Future channel. A source error yields a single ChunkError chunk and a
// failed Future instead of a panic or a silently truncated response.
func (p *Processor) ConsumeStream(ctx context.Context, raw <-chan provider.RawChunk, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, startedAt time.Time) (<-chan reqtype.StreamChunk, <-chan futureResponse) {
	out := make(chan reqtype.StreamChunk, 16)
	future := make(chan futureResponse, 1)

	go func() {
		defer close(out)
		defer close(future)

		var content string
		for {
			select {
			case <-ctx.Done():
				out <- reqtype.StreamChunk{Kind: reqtype.ChunkError, Data: ctx.Err().Error()}
				future <- futureResponse{err: reqtype.NewError(reqtype.ErrCancelled, req.Request.ID, "stream consumer cancelled", ctx.Err())}
				return
			case chunk, ok := <-raw:
				if !ok {
					resp, err := p.finishStream(ctx, content, req, decision, startedAt)
					if err != nil {
						out <- reqtype.StreamChunk{Kind: reqtype.ChunkError, Data: err.Error()}
						future <- futureResponse{err: err}
						return
					}
					out <- reqtype.StreamChunk{Kind: reqtype.ChunkDone}
					future <- futureResponse{resp: resp}
					return
				}
				content += chunk.Content
				out <- reqtype.StreamChunk{Kind: reqtype.ChunkContent, Data: chunk.Content}
				if chunk.Done {
					resp, err := p.finishStream(ctx, content, req, decision, startedAt)
					if err != nil {
						out <- reqtype.StreamChunk{Kind: reqtype.ChunkError, Data: err.Error()}
						future <- futureResponse{err: err}
						return
					}
					out <- reqtype.StreamChunk{Kind: reqtype.ChunkDone}
					future <- futureResponse{resp: resp}
					return
				}
			}
		}
	}()

	return out, future
}

// futureResponse is ConsumeStream's terminal value: exactly one of resp or
// err is set, the same exactly-one-outcome shape Process returns.
type futureResponse struct {
	resp reqtype.ProcessedResponse
	err  error
}

func (f futureResponse) Response() (reqtype.ProcessedResponse, error) {
	if f.err != nil {
		return reqtype.ProcessedResponse{}, f.err
	}
	return f.resp, nil
}

func (p *Processor) finishStream(ctx context.Context, content string, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, startedAt time.Time) (reqtype.ProcessedResponse, error) {
	res := executor.Result{Raw: provider.RawResult{Content: content}, AgentID: decision.Selected.ID}
	return p.process(ctx, res, req, decision, startedAt, true)
}
