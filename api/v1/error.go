package v1

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrBlockOutOfRange is returned when a block is read outside the range held
// by a log file, or outside every retained file of the history.
type ErrBlockOutOfRange struct {
	Block      uint32
	BeginBlock uint32
	EndBlock   uint32
}

// GRPCStatus lets RPC layers that serve history reads pass the error through
// without translating it.
func (e ErrBlockOutOfRange) GRPCStatus() *status.Status {
	st := status.New(codes.OutOfRange, fmt.Sprintf("block out of range: %d", e.Block))
	msg := fmt.Sprintf(
		"The requested block %d is outside the log's range [%d, %d)",
		e.Block, e.BeginBlock, e.EndBlock,
	)
	d := &errdetails.LocalizedMessage{Locale: "en-US", Message: msg}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

func (e ErrBlockOutOfRange) Error() string {
	return e.GRPCStatus().Err().Error()
}
