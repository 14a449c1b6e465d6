// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout 是 TestContext 的超时时间
const DefaultTimeout = 30 * time.Second

// TestContext 返回带超时的测试上下文
func TestContext(t testing.TB) context.Context {
	return TestContextWithTimeout(t, DefaultTimeout)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
