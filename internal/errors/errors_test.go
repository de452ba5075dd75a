package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrAlreadyConnected)
	suite.NotNil(err)
	suite.Equal(ErrAlreadyConnected, err.Code)
	suite.Equal("设备已连接", err.Message)
	suite.Empty(err.Details)

	err = New(ErrSerialPortOpen, "打开失败", "端口: /dev/ttyUSB0", "波特率: 115200")
	suite.Equal("打开失败; 端口: /dev/ttyUSB0; 波特率: 115200", err.Details)
}

func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrArgumentOutOfRange, "数据长度 %d 超过 %d", 300, 255)
	suite.Equal(ErrArgumentOutOfRange, err.Code)
	suite.Equal("数据长度 300 超过 255", err.Details)
}

func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("no such file or directory")
	wrappedErr := Wrap(originalErr, ErrSerialPortOpen)
	suite.Equal(ErrSerialPortOpen, wrappedErr.Code)
	suite.Equal("no such file or directory", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError时保留原始错误码
	appErr := New(ErrNotConnected)
	wrappedAppErr := Wrap(appErr, ErrSerialPortWrite, "发送EJECT_COIN")
	suite.Equal(ErrNotConnected, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "发送EJECT_COIN")
}

func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("permission denied")
	wrappedErr := Wrapf(originalErr, ErrSerialPortOpen, "串口 %s 打开失败", "/dev/ttyS1")
	suite.Equal("串口 /dev/ttyS1 打开失败", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

func (suite *ErrorsTestSuite) TestIsThroughWrapping() {
	err := New(ErrUnsupportedCommand)
	suite.True(Is(err, ErrUnsupportedCommand))
	suite.False(Is(err, ErrNotFound))
	suite.False(Is(nil, ErrUnsupportedCommand))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	wrapped := fmt.Errorf("encode: %w", err)
	suite.True(Is(wrapped, ErrUnsupportedCommand))
	suite.Equal(ErrUnsupportedCommand, GetCode(wrapped))
}

func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrTokenExpired, GetCode(New(ErrTokenExpired)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{Code: ErrNotConnected, Message: "设备未连接"}
	suite.Equal("[3006] 设备未连接", err.Error())

	err.Details = "端口: COM3"
	suite.Equal("[3006] 设备未连接: 端口: COM3", err.Error())
}

func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrArgumentOutOfRange, 400},
		{ErrMissingArgument, 400},
		{ErrNotFound, 404},
		{ErrPermissionDenied, 403},
		{ErrAlreadyConnected, 409},
		{ErrNotConnected, 503},
		{ErrAuthentication, 401},
		{ErrDatabaseConnect, 503},
		{ErrSerialPortOpen, 500},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		suite.Equal(tc.expected, New(tc.code).HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

func (suite *ErrorsTestSuite) TestIsRetryable() {
	for _, code := range []ErrorCode{ErrSerialPortOpen, ErrSerialPortRead, ErrDeviceOffline, ErrMQTTConnect} {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrAlreadyConnected, ErrUnsupportedCommand, ErrUnknownCodec} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))
}

func (suite *ErrorsTestSuite) TestIsCritical() {
	suite.True(IsCritical(New(ErrUnknownCodec)))
	suite.True(IsCritical(New(ErrConfigLoad)))
	suite.False(IsCritical(New(ErrNotConnected)))
	suite.False(IsCritical(nil))
}

func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.NotEmpty(err.Stack)
	suite.NotEmpty(err.GetStack())
}

func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrNotConnected)
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
}

func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

func (suite *ErrorsTestSuite) TestEncodingErrors() {
	encodingErrors := map[ErrorCode]string{
		ErrUnsupportedCommand: "当前协议版本不支持该命令",
		ErrArgumentOutOfRange: "参数超出取值范围",
		ErrMissingArgument:    "缺少必需参数",
		ErrMalformedFrame:     "帧格式错误",
		ErrUnknownCodec:       "未注册的帧编解码器",
	}
	for code, expectedMsg := range encodingErrors {
		suite.Equal(expectedMsg, New(code).Message)
	}
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
