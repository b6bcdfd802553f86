package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
)

// decodeRevertData turns revert return data into a readable reason.
// Error(string) and Panic(uint256) are decoded; custom errors are reported
// by selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return fmt.Sprintf("custom error 0x%x", data[:4])
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		if !strings.HasPrefix(data, "0x") {
			return ""
		}
		return decodeRevertData(common.FromHex(data))
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

// wrapEVMExecutionError attaches a decoded revert reason when the node
// returned revert data; such errors are reported as reverts regardless of
// the fallback code.
func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if err == nil {
		return nil
	}
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(clierr.CodeRevert, fmt.Sprintf("%s: reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}
