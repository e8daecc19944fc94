// Package imagecache 是图片缓存的对外入口：Resolve 只查磁盘，Request 在未命中时
// 交给下载队列，完成结果通过订阅（Subscribe/SubscribeURL/Await）获取。
// 实例由宿主显式构造并持有，不存在进程级单例。
package imagecache
