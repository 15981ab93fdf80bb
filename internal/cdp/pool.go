package cdp

import "sync"

// workerPool 固定数量的工作协程加有界等待队列
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

// newWorkerPool 创建并启动工作池，concurrency 与 pending 小于 1 时按 1 处理
func newWorkerPool(concurrency, pending int) *workerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pending < 1 {
		pending = 1
	}
	p := &workerPool{tasks: make(chan func(), pending)}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// submit 非阻塞提交任务，队列已满或已停止时返回 false
func (p *workerPool) submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// stop 停止接收新任务并等待已排队任务执行完
func (p *workerPool) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.done = true
		close(p.tasks)
		p.mu.Unlock()
	})
	p.wg.Wait()
}
